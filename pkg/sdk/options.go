// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sdk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/logsentry/logsentry/pkg/sdk/credentials"
)

// DefaultDSN is the compile-time fallback server URL.
const DefaultDSN = "http://localhost:8080"

// Clamps applied to the tunables.
const (
	defaultBatchSize    = 50
	minBatchSize        = 1
	maxBatchSize        = 1000
	defaultFlushEvery   = 5 * time.Second
	minFlushEvery       = 100 * time.Millisecond
	maxFlushEvery       = 60 * time.Second
	defaultBufferFactor = 10
)

// ErrMissingCredentials is returned by Init when no API key can be
// resolved from any source.
var ErrMissingCredentials = errors.New("no api key: pass APIKey, set LOGSENTRY_API_KEY, or run the login flow")

// Options configures Init. Zero values fall back to environment
// variables, the credentials file, and compiled defaults.
type Options struct {
	// APIKey overrides every other credential source.
	APIKey string
	// DSN is the server base URL.
	DSN string
	// Service is stamped on records that carry no service attribute.
	Service string
	// BatchSize is the number of records per flush; clamped to [1, 1000].
	BatchSize int
	// FlushInterval is the soft bound on buffered record age; clamped
	// to [100ms, 60s].
	FlushInterval time.Duration
	// MaxBuffer caps the buffer; defaults to 10x BatchSize.
	MaxBuffer int
	// MinLevel is the capture threshold of the log tap.
	MinLevel slog.Level
	// Logger receives the SDK's own diagnostics. Defaults to a logger
	// writing through the pre-tap handler so diagnostics never re-enter
	// the pipeline.
	Logger *slog.Logger
	// CredentialsPath overrides the default credentials file location.
	CredentialsPath string
}

// resolved is the fully-determined configuration after applying the
// precedence chain and clamps.
type resolved struct {
	apiKey        string
	dsn           string
	service       string
	batchSize     int
	flushInterval time.Duration
	maxBuffer     int
	minLevel      slog.Level
}

// resolve applies the precedence arg > env > credentials file > default
// and clamps the tunables.
func (o Options) resolve() (resolved, error) {
	var creds *credentials.Credentials
	loadCreds := func() *credentials.Credentials {
		if creds != nil {
			return creds
		}
		var err error
		if o.CredentialsPath != "" {
			creds, err = credentials.LoadFrom(o.CredentialsPath)
		} else {
			creds, err = credentials.Load()
		}
		if err != nil {
			creds = &credentials.Credentials{}
		}
		return creds
	}

	r := resolved{minLevel: o.MinLevel, service: o.Service}

	r.apiKey = o.APIKey
	if r.apiKey == "" {
		r.apiKey = os.Getenv("LOGSENTRY_API_KEY")
	}
	if r.apiKey == "" {
		r.apiKey = loadCreds().APIKey
	}
	if r.apiKey == "" {
		return resolved{}, ErrMissingCredentials
	}
	if !strings.HasPrefix(r.apiKey, "sk_") {
		return resolved{}, fmt.Errorf("api key must start with sk_")
	}

	r.dsn = o.DSN
	if r.dsn == "" {
		r.dsn = os.Getenv("LOGSENTRY_URL")
	}
	if r.dsn == "" {
		r.dsn = loadCreds().DSN
	}
	if r.dsn == "" {
		r.dsn = DefaultDSN
	}
	r.dsn = strings.TrimRight(r.dsn, "/")

	r.batchSize = o.BatchSize
	if r.batchSize == 0 {
		if env := os.Getenv("LOGSENTRY_BATCH_SIZE"); env != "" {
			if n, err := strconv.Atoi(env); err == nil {
				r.batchSize = n
			}
		}
	}
	if r.batchSize == 0 {
		r.batchSize = defaultBatchSize
	}
	r.batchSize = clampInt(r.batchSize, minBatchSize, maxBatchSize)

	r.flushInterval = o.FlushInterval
	if r.flushInterval == 0 {
		if env := os.Getenv("LOGSENTRY_FLUSH_INTERVAL"); env != "" {
			if secs, err := strconv.ParseFloat(env, 64); err == nil {
				r.flushInterval = time.Duration(secs * float64(time.Second))
			}
		}
	}
	if r.flushInterval == 0 {
		r.flushInterval = defaultFlushEvery
	}
	r.flushInterval = clampDuration(r.flushInterval, minFlushEvery, maxFlushEvery)

	r.maxBuffer = o.MaxBuffer
	if r.maxBuffer == 0 {
		if env := os.Getenv("LOGSENTRY_MAX_BUFFER"); env != "" {
			if n, err := strconv.Atoi(env); err == nil {
				r.maxBuffer = n
			}
		}
	}
	if r.maxBuffer <= 0 {
		r.maxBuffer = defaultBufferFactor * r.batchSize
	}

	return r, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
