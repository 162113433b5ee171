// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ExchangeUnion/xunion/daemon"
	"github.com/ExchangeUnion/xunion/dex"
	"github.com/ExchangeUnion/xunion/order"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "xud.conf"
	defaultLogFilename    = "xud.log"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultDataDirname    = "data"
	defaultMaxLogZips     = 16
	defaultKeyFilename    = "xud.key"
	defaultP2PPort        = "8885"
	defaultBanScore       = 100
	defaultSafetyMargin   = 12
	defaultCltvDelta      = 40
)

var defaultAppDataDir = appDataDir("xud", false)

type procOpts struct {
	CPUProfile string
}

// xudConf is loadConfig's output: fully resolved, ready to build a
// daemon.Config and a net.Listener from.
type xudConf struct {
	DataDir    string
	KeyPath    string
	P2PListen  string
	LogMaker   *dex.LoggerMaker

	Daemon daemon.Config

	// Peers are statically configured outbound addresses to dial and
	// keep reconnecting to, in addition to whatever peers are learned
	// through gossip.
	Peers []string
}

// flagsData mirrors every field a running node needs at the command line
// or in an INI config file.
type flagsData struct {
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or SUBSYS=level,SUBSYS=level pairs"`
	MaxLogZips  int    `long:"maxlogzips" description:"Number of zipped log files to retain; 0 keeps all"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	NetworkID  string   `long:"networkid" description:"Network identifier exchanged during the handshake; peers on different networks refuse to connect"`
	P2PListen  string   `long:"p2plisten" description:"Address to listen on for incoming peer connections"`
	Peers      []string `long:"peer" description:"Address of a peer to connect to on startup (can be repeated)"`
	AllowTor   bool     `long:"allowtor" description:"Permit connections to .onion peer addresses"`

	Pairs      []string `long:"pair" description:"A BASE/QUOTE trading pair to enable (can be repeated)"`
	Currencies []string `long:"currency" description:"A SYMBOL:DECIMALS:SWAPCLIENT[:TOKENADDR] currency to enable (SWAPCLIENT is htlc or hashlock) (can be repeated)"`
	CltvDeltas []string `long:"cltvdelta" description:"A SYMBOL=BLOCKS CLTV delta override for swap legs in that currency (can be repeated)"`

	BanScore     int32  `long:"banscore" description:"Cumulative reputation violation score at which a peer is banned"`
	SafetyMargin uint32 `long:"safetymargin" description:"Minimum required block difference between the taker and maker CLTV deltas of a swap"`

	MaxInbound  int `long:"maxinbound" description:"Maximum number of simultaneous inbound peer connections; 0 is unlimited"`
	MaxOutbound int `long:"maxoutbound" description:"Maximum number of simultaneous outbound peer connections; 0 is unlimited"`

	KeyPath string `long:"keypath" description:"Path to this node's signing key file"`

	CPUProfile string `long:"cpuprofile" description:"File for CPU profiling"`
}

func appDataDir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}
	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := strings.ToUpper(appName[:1]) + appName[1:]
	appNameLower := strings.ToLower(appName)

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if roaming {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}
	case "darwin":
		if homeDir := userHomeDir(); homeDir != "" {
			return filepath.Join(homeDir, "Library", "Application Support", appNameUpper)
		}
	default:
		if homeDir := userHomeDir(); homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}
	return "."
}

func userHomeDir() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return ""
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}
	path = path[1:]
	homeDir := userHomeDir()
	if homeDir == "" {
		homeDir = "."
	}
	return filepath.Join(homeDir, path)
}

func parsePair(s string) (order.Pair, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return order.Pair{}, fmt.Errorf("invalid pair %q, expected BASE/QUOTE", s)
	}
	return order.Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

func parseCurrency(s string) (order.Currency, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return order.Currency{}, fmt.Errorf("invalid currency %q, expected SYMBOL:DECIMALS:SWAPCLIENT", s)
	}
	decimals, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return order.Currency{}, fmt.Errorf("invalid decimals in currency %q: %v", s, err)
	}
	var kind order.SwapClientKind
	switch strings.ToLower(parts[2]) {
	case "htlc":
		kind = order.SwapClientHTLC
	case "hashlock", "hashlock-transfer":
		kind = order.SwapClientHashlockTransfer
	default:
		return order.Currency{}, fmt.Errorf("unknown swap client %q in currency %q", parts[2], s)
	}
	c := order.Currency{
		Symbol:     strings.ToUpper(parts[0]),
		Decimals:   uint8(decimals),
		SwapClient: kind,
	}
	if len(parts) > 3 {
		c.TokenAddress = parts[3]
	}
	return c, nil
}

func parseCltvDelta(s string) (string, uint32, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid cltvdelta %q, expected SYMBOL=BLOCKS", s)
	}
	blocks, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid block count in cltvdelta %q: %v", s, err)
	}
	return strings.ToUpper(parts[0]), uint32(blocks), nil
}

// loadConfig parses command-line flags and, if present, an INI config
// file, applies defaults, and validates the result. Mirrors
// decred.org/dcrdex's two-pass preCfg/cfg flags.Parser pattern: a first
// pass finds -C/--configfile (and handles -V/--version) before the
// second pass loads defaults from the INI file underneath the explicit
// flags.
func loadConfig() (*xudConf, *procOpts, error) {
	preCfg := flagsData{
		AppDataDir: defaultAppDataDir,
	}
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println(AppName, Version())
		os.Exit(0)
	}

	if preCfg.AppDataDir != "" {
		preCfg.AppDataDir = cleanAndExpandPath(preCfg.AppDataDir)
	}

	cfg := flagsData{
		AppDataDir: preCfg.AppDataDir,
		DataDir:    filepath.Join(preCfg.AppDataDir, defaultDataDirname),
		LogDir:     filepath.Join(preCfg.AppDataDir, defaultLogDirname),
		DebugLevel: defaultLogLevel,
		MaxLogZips: defaultMaxLogZips,
		NetworkID:  "mainnet",
		P2PListen:  "0.0.0.0:" + defaultP2PPort,
		BanScore:   defaultBanScore,
		SafetyMargin: defaultSafetyMargin,
		KeyPath:    filepath.Join(preCfg.AppDataDir, defaultKeyFilename),
	}

	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(preCfg.AppDataDir, defaultConfigFilename)
	} else {
		configFile = cleanAndExpandPath(configFile)
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(configFile); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(configFile); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file %s: %v", configFile, err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.KeyPath = cleanAndExpandPath(cfg.KeyPath)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid debuglevel: %v", err)
	}

	if len(cfg.Pairs) == 0 {
		return nil, nil, fmt.Errorf("at least one -pair must be configured")
	}
	pairs := make([]order.Pair, 0, len(cfg.Pairs))
	for _, s := range cfg.Pairs {
		p, err := parsePair(s)
		if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, p)
	}

	if len(cfg.Currencies) == 0 {
		return nil, nil, fmt.Errorf("at least one -currency must be configured")
	}
	currencies := make([]order.Currency, 0, len(cfg.Currencies))
	for _, s := range cfg.Currencies {
		c, err := parseCurrency(s)
		if err != nil {
			return nil, nil, err
		}
		currencies = append(currencies, c)
	}

	cltvDeltas := make(map[string]uint32, len(cfg.CltvDeltas))
	for _, s := range cfg.CltvDeltas {
		symbol, blocks, err := parseCltvDelta(s)
		if err != nil {
			return nil, nil, err
		}
		cltvDeltas[symbol] = blocks
	}

	dmonLog := subsystemLogger(logMaker, "DMON")

	conf := &xudConf{
		DataDir:   cfg.DataDir,
		KeyPath:   cfg.KeyPath,
		P2PListen: cfg.P2PListen,
		LogMaker:  logMaker,
		Peers:     cfg.Peers,
		Daemon: daemon.Config{
			Log:               dmonLog,
			Version:           Version(),
			NetworkID:         cfg.NetworkID,
			Addresses:         []string{cfg.P2PListen},
			AllowTor:          cfg.AllowTor,
			Currencies:        currencies,
			Pairs:             pairs,
			CurrencyCltvDelta: cltvDeltas,
			BanScore:          cfg.BanScore,
			SafetyMargin:      cfg.SafetyMargin,
			MaxInbound:        cfg.MaxInbound,
			MaxOutbound:       cfg.MaxOutbound,
		},
	}

	return conf, &procOpts{CPUProfile: cfg.CPUProfile}, nil
}
