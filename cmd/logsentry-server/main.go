// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the logsentry ingestion server binary.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/logsentry/logsentry/pkg/classify"
	"github.com/logsentry/logsentry/pkg/config"
	"github.com/logsentry/logsentry/pkg/deviceauth"
	"github.com/logsentry/logsentry/pkg/keys"
	"github.com/logsentry/logsentry/pkg/processor"
	"github.com/logsentry/logsentry/pkg/server"
	"github.com/logsentry/logsentry/pkg/store"
	"github.com/logsentry/logsentry/pkg/store/postgres"
)

// shutdownBudget bounds the drain on SIGTERM.
const shutdownBudget = 30 * time.Second

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "logsentry-server",
		Short:        "Self-hosted log telemetry server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, cleanup, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	keyRegistry, err := keys.NewRegistry(st, keys.NewHasher(cfg.Auth.Pepper))
	if err != nil {
		return err
	}

	var classifier classify.Classifier
	if cfg.Classifier.URL != "" {
		classifier = classify.NewHTTP(cfg.Classifier.URL)
		log.Info("classifier enabled", zap.String("url", cfg.Classifier.URL))
	}

	procs := processor.NewRegistry(st, classifier, processor.Config{
		MaxPending:          cfg.Processor.MaxPending,
		WriteBatchSize:      cfg.Processor.WriteBatchSize,
		WriteInterval:       cfg.Processor.WriteInterval,
		SnapshotInterval:    cfg.Processor.SnapshotInterval,
		ClassifyTimeout:     cfg.Classifier.Timeout,
		ClassifyConcurrency: cfg.Classifier.Concurrency,
		SpoolDir:            cfg.Processor.SpoolDir,
		SpoolMaxBytes:       cfg.Processor.SpoolMaxBytes,
	}, log)

	device := deviceauth.NewService(st, keyRegistry, cfg.VerificationURL, cfg.PublicURL, log)
	janitor := deviceauth.NewJanitor(device)

	srv := server.New(server.Config{
		Addr:        cfg.Addr,
		ReadTimeout: cfg.ReadTimeout,
	}, st, keyRegistry, procs, device, log)

	var group run.Group
	group.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	serverDone := make(chan struct{})
	group.Add(func() error {
		srv.Start()
		janitor.Start()
		<-serverDone
		return nil
	}, func(error) {
		close(serverDone)
	})

	err = group.Run()
	if _, ok := err.(run.SignalError); ok {
		err = nil
	}

	log.Info("shutting down", zap.Duration("budget", shutdownBudget))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	janitor.Stop()
	if stopErr := srv.Stop(ctx); stopErr != nil {
		log.Warn("http shutdown incomplete", zap.Error(stopErr))
	}
	if drainErr := procs.Shutdown(ctx); drainErr != nil {
		log.Warn("processor drain incomplete", zap.Error(drainErr))
	}
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

func buildStore(cfg *config.Server, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := postgres.Connect(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		log.Info("using postgres store")
		return pg, pg.Close, nil
	default:
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}
