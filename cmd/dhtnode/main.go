// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command dhtnode runs a single Kademlia DHT peer: it wires together
// configuration, logging, the persistent node-list file, the optional
// local IPC surface, and the engine itself. It never imports
// internal/dht's test helpers and is never imported by internal/dht.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/config"
	"github.com/manuels/bulletinboard-dht/internal/dht"
	"github.com/manuels/bulletinboard-dht/internal/ipc"
	dhtlog "github.com/manuels/bulletinboard-dht/internal/log"
	"github.com/manuels/bulletinboard-dht/internal/nodefile"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dhtnode",
	Short: "Run a Kademlia DHT peer",
	RunE:  run,
}

func init() {
	config.BindFlags(rootCmd.Flags())
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := dhtlog.New(dhtlog.Config{Debug: cfg.Debug})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var nf *nodefile.File
	bootstrapAddrs := cfg.BootstrapAddrs
	if cfg.NodeFile != "" {
		nf, err = nodefile.Open(cfg.NodeFile)
		if err != nil {
			return fmt.Errorf("opening node file: %w", err)
		}
		defer func() { _ = nf.Close() }()

		persisted, err := nf.Load()
		if err != nil {
			logger.Warn("failed to load persisted nodes", zap.Error(err))
		}
		for _, n := range persisted {
			bootstrapAddrs = append(bootstrapAddrs, n.Addr.String())
		}
	}

	engine, err := dht.New(logger.Named("dht"), dht.Config{
		ListenAddr:     cfg.ListenAddr,
		BootstrapAddrs: bootstrapAddrs,
		Alpha:          cfg.Alpha,
	})
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	logger.Info("listening", zap.Stringer("addr", engine.LocalAddr()), zap.Stringer("id", engine.Local()))

	if err := engine.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed", zap.Error(err))
	}

	var ipcServer *ipc.Server
	if cfg.IPCSocket != "" {
		ipcServer, err = ipc.Listen(logger.Named("ipc"), cfg.IPCSocket, engine)
		if err != nil {
			return fmt.Errorf("starting ipc surface: %w", err)
		}
		defer func() { _ = ipcServer.Close() }()
	}

	if nf != nil {
		go func() {
			if err := nf.RunPeriodicSave(ctx, 5*time.Minute, engine.Table().AllNodes); err != nil && ctx.Err() == nil {
				logger.Warn("node file save loop stopped", zap.Error(err))
			}
		}()
	}

	return engine.Run(ctx)
}
