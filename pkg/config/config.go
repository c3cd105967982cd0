// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the server configuration from a YAML file and
// LOGSENTRY_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server is the top-level server configuration.
type Server struct {
	// Addr is the listen address of the HTTP API.
	Addr string `mapstructure:"addr"`
	// PublicURL is the ingest base URL advertised to onboarded SDKs.
	PublicURL string `mapstructure:"public_url"`
	// VerificationURL is the browser page for the device flow.
	VerificationURL string `mapstructure:"verification_url"`
	// ReadTimeout bounds request body reads.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	Auth       Auth       `mapstructure:"auth"`
	Store      Store      `mapstructure:"store"`
	Processor  Processor  `mapstructure:"processor"`
	Classifier Classifier `mapstructure:"classifier"`
	Log        Log        `mapstructure:"log"`
}

// Auth configures API key hashing.
type Auth struct {
	// Pepper is the per-installation secret mixed into key hashes.
	// Rotating it invalidates every issued key.
	Pepper string `mapstructure:"pepper"`
}

// Store selects and configures the persistence backend.
type Store struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend"`
	// PostgresURL is the pgx connection string.
	PostgresURL string `mapstructure:"postgres_url"`
}

// Processor tunes the per-app pipelines.
type Processor struct {
	MaxPending       int           `mapstructure:"max_pending"`
	WriteBatchSize   int           `mapstructure:"write_batch_size"`
	WriteInterval    time.Duration `mapstructure:"write_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SpoolDir         string        `mapstructure:"spool_dir"`
	SpoolMaxBytes    int64         `mapstructure:"spool_max_bytes"`
}

// Classifier points at the optional external classification service.
type Classifier struct {
	// URL is the classifier base URL; empty disables classification.
	URL string `mapstructure:"url"`
	// Concurrency caps in-flight classifier calls.
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// Load reads the configuration. path may be empty, in which case the
// defaults plus environment overrides apply.
func Load(path string) (*Server, error) {
	v := viper.New()
	v.SetEnvPrefix("LOGSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", "0.0.0.0:8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("verification_url", "http://localhost:8080/device")
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("auth.pepper", "")
	v.SetDefault("processor.max_pending", 1024)
	v.SetDefault("processor.write_batch_size", 200)
	v.SetDefault("processor.write_interval", 2*time.Second)
	v.SetDefault("processor.snapshot_interval", 2*time.Second)
	v.SetDefault("processor.spool_dir", "/var/lib/logsentry/spool")
	v.SetDefault("processor.spool_max_bytes", int64(256<<20))
	v.SetDefault("classifier.url", "")
	v.SetDefault("classifier.concurrency", 16)
	v.SetDefault("classifier.timeout", 2*time.Second)
	v.SetDefault("log.level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Server) validate() error {
	if c.Auth.Pepper == "" {
		return fmt.Errorf("auth.pepper must be set; key hashes are derived from it")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
