// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync"
	"syscall"

	"github.com/ExchangeUnion/xunion/daemon"
)

// AppName is this binary's name as reported by --version and in logs.
const AppName = "xud"

// appVersion is set at build time via -ldflags "-X main.appVersion=...".
var appVersion = "0.0.0-dev"

// Version returns the running build's version string.
func Version() string {
	return appVersion
}

func mainCore(ctx context.Context) error {
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s config: %v\n", AppName, err)
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log = subsystemLogger(cfg.LogMaker, "XUDD")

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	log.Infof("%s version %s (Go version %s)", AppName, Version(), runtime.Version())
	log.Infof("network id %q, %d pair(s), %d currenc(y/ies)", cfg.Daemon.NetworkID, len(cfg.Daemon.Pairs), len(cfg.Daemon.Currencies))

	privKey, err := nodeKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to load node key: %v", err)
	}
	cfg.Daemon.SelfPubKey = fmt.Sprintf("%x", privKey.PubKey().SerializeCompressed())
	log.Infof("node pubkey: %s", cfg.Daemon.SelfPubKey)

	d, err := daemon.New(cfg.Daemon)
	if err != nil {
		return fmt.Errorf("failed to build daemon: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.P2PListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", cfg.P2PListen, err)
	}
	log.Infof("listening for peers on %s", cfg.P2PListen)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, listener, d)
	}()

	for _, addr := range cfg.Peers {
		if err := d.Pool().AddOutbound(addr, "", true, cfg.Daemon.AllowTor); err != nil {
			log.Warnf("failed to connect to configured peer %s: %v", addr, err)
		}
	}

	log.Info("xud is running. Hit CTRL+C to quit...")
	d.Run(ctx)

	log.Info("stopping xud...")
	listener.Close()
	d.Stop()
	wg.Wait()
	log.Info("bye!")

	return nil
}

// acceptLoop accepts inbound connections and hands each one to the
// daemon's peer pool to complete the handshake, until ctx is canceled or
// the listener is closed.
func acceptLoop(ctx context.Context, listener net.Listener, d *daemon.Daemon) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Errorf("accept: %v", err)
			return
		}
		go func() {
			if err := d.Pool().AcceptInbound(conn); err != nil {
				log.Debugf("inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// withShutdownCancel returns a context canceled when the process receives
// SIGINT or SIGTERM, so a single CTRL+C (or orchestrator-sent TERM) begins
// an orderly shutdown rather than killing the process mid-swap.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		cancel()
	}()
	return ctx
}

func main() {
	ctx := withShutdownCancel(context.Background())

	if err := mainCore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
