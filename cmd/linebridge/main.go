// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Linebridge is a Matrix appservice that bridges a single user's LINE
// account through an automation subprocess. It connects to the
// subprocess over a JSON-lines control channel, mirrors chats into
// portal rooms, and forwards Matrix messages back out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/miscworks/linebridge/bridge"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/lib/config"
	"github.com/miscworks/linebridge/lib/sealed"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/portal"
	"github.com/miscworks/linebridge/store"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var verbose bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("linebridge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to linebridge.yaml (default: $LINEBRIDGE_CONFIG)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("linebridge %s\n", version)
		return nil
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting linebridge",
		"version", version,
		"homeserver", cfg.Homeserver.Address,
		"bridge_user", cfg.Bridge.User)

	dataStore, err := store.Open(store.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer dataStore.Close()

	var sealer *sealed.Sealer
	if cfg.Database.CredentialKeyFile != "" {
		sealer, err = sealed.LoadSealer(cfg.Database.CredentialKeyFile)
		if err != nil {
			return fmt.Errorf("loading credential key: %w", err)
		}
		logger.Info("credential storage enabled", "key_file", cfg.Database.CredentialKeyFile)
	}

	matrix, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.Address,
		ASToken:       cfg.Appservice.ASToken,
		BotUserID:     cfg.BotMXID(),
		Logger:        logger.With("component", "messaging"),
	})
	if err != nil {
		return fmt.Errorf("building homeserver client: %w", err)
	}

	identities := identity.NewRegistry(identity.RegistryConfig{
		Store:  dataStore,
		Matrix: matrix,
		Bridge: cfg,
		Logger: logger.With("component", "identity"),
	})
	portals := portal.NewRegistry(portal.Deps{
		Store:    dataStore,
		Matrix:   matrix,
		Identity: identities,
		Config:   cfg,
		Logger:   logger.With("component", "portal"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(ctx, bridge.Config{
		Store:    dataStore,
		Matrix:   matrix,
		Portals:  portals,
		Identity: identities,
		Bridge:   cfg,
		Sealer:   sealer,
		Logger:   logger.With("component", "bridge"),
	})
	if err != nil {
		return err
	}
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to subprocess: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.Stop(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
