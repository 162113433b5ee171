// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ExchangeUnion/xunion/dex"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe for concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend is created by
// parseAndSetDebugLevels and subsystemLogger derives loggers from it;
// only XUDD (mainCore) and DMON (loadConfig) are built that way. The keys
// of subsystemLoggers are the IDs parseAndSetDebugLevels accepts; its
// values stay slog.Disabled. Subsystem loggers must not be used before
// parseAndSetDebugLevels runs.
var (
	logRotator *rotator.Rotator

	log = dex.Logger(slog.Disabled)

	subsystemLoggers = map[string]dex.Logger{
		"XUDD": dex.Logger(slog.Disabled), // main
		"DMON": dex.Logger(slog.Disabled), // daemon composition root
		"P2PP": dex.Logger(slog.Disabled), // p2p pool
		"BOOK": dex.Logger(slog.Disabled), // orderbook
		"MTCH": dex.Logger(slog.Disabled), // matcher
		"SWAP": dex.Logger(slog.Disabled), // swap state machine
		"CLIS": dex.Logger(slog.Disabled), // swapclient backends
		"RPTN": dex.Logger(slog.Disabled), // reputation
		"ALRT": dex.Logger(slog.Disabled), // alert bus
	}
)

// initLogRotator initializes the rotating file logger. Must be called
// before logWriter or the package loggers are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	var err error
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

func setLogLevel(subsysID string, level slog.Level) {
	logger, ok := subsystemLoggers[subsysID]
	if !ok {
		return
	}
	logger.SetLevel(level)
	subsystemLoggers[subsysID] = logger
}

func setLogLevels(level slog.Level) {
	for subsysID := range subsystemLoggers {
		setLogLevel(subsysID, level)
	}
}

// subsystemLogger builds a Logger for subsysID, honoring a per-subsystem
// level override from lm.Levels if parseAndSetDebugLevels set one.
func subsystemLogger(lm *dex.LoggerMaker, subsysID string) dex.Logger {
	lvl := lm.DefaultLevel
	if l, ok := lm.Levels[subsysID]; ok {
		lvl = l
	}
	return lm.NewLogger(subsysID, lvl)
}

func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels parses debugLevel, either a single level name
// applied to every subsystem ("info") or a comma-separated list of
// SUBSYS=level pairs ("P2PP=debug,SWAP=trace"), and returns the resulting
// LoggerMaker that subsystem loggers are derived from.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	backend := slog.NewBackend(logWriter{})
	lm := &dex.LoggerMaker{
		Backend: backend,
		Levels:  make(map[string]slog.Level),
	}

	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q", debugLevel)
		}
		lm.DefaultLevel = lvl
		setLogLevels(lvl)
		return lm, nil
	}

	lm.DefaultLevel = slog.LevelInfo
	for _, pair := range strings.Split(debugLevel, ",") {
		parts := strings.Split(pair, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid debug level pair %q", pair)
		}
		subsysID, lvlStr := strings.ToUpper(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1])
		lvl, ok := slog.LevelFromString(lvlStr)
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q for subsystem %s", lvlStr, subsysID)
		}
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("unknown subsystem %q -- supported subsystems %v", subsysID, supportedSubsystems())
		}
		lm.Levels[subsysID] = lvl
		setLogLevel(subsysID, lvl)
	}
	return lm, nil
}
