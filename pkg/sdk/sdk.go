// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package sdk is the client runtime. Init resolves credentials,
// installs a tap on the process's slog default logger and starts the
// background flusher; from then on every record at or above the
// threshold is buffered and shipped to the ingest endpoint.
package sdk

import (
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/logsentry/logsentry/pkg/sdk/buffer"
	"github.com/logsentry/logsentry/pkg/sdk/sender"
)

// Client is one initialized SDK instance.
type Client struct {
	buf    *buffer.Buffer
	sender *sender.Sender
	diag   *slog.Logger
}

var (
	mu     sync.Mutex
	active *Client
	// baseHandler is the host handler that was installed before the
	// first Init. Re-initialization rebuilds the tap from it so the
	// process never carries more than one tap.
	baseHandler slog.Handler
)

// Init starts (or replaces) the process-wide SDK instance. It is
// idempotent: a second call drains the previous buffer best-effort,
// replaces the configuration and swaps the single installed log tap.
func Init(opts Options) (*Client, error) {
	r, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	if baseHandler == nil {
		baseHandler = hostBaseHandler()
	}
	if active != nil {
		// Best-effort drain of the previous instance.
		active.sender.Shutdown(time.Second)
		active = nil
	}

	diag := opts.Logger
	if diag == nil {
		// Diagnostics bypass the tap so they never feed the pipeline.
		diag = slog.New(baseHandler)
	}

	// One console WARN per minute regardless of eviction volume.
	warnLimit := rate.NewLimiter(rate.Every(time.Minute), 1)
	var buf *buffer.Buffer
	buf = buffer.New(r.maxBuffer, func(n int) {
		if warnLimit.Allow() {
			diag.Warn("log buffer full, dropping oldest records",
				slog.Int("dropped", n), slog.Int64("dropped_total", buf.Dropped()))
		}
	})

	snd := sender.New(sender.Config{
		DSN:           r.dsn,
		APIKey:        r.apiKey,
		BatchSize:     r.batchSize,
		FlushInterval: r.flushInterval,
	}, buf, diag)
	snd.Start()

	slog.SetDefault(slog.New(newTapHandler(baseHandler, buf, r.minLevel, r.service)))

	active = &Client{buf: buf, sender: snd, diag: diag}
	return active, nil
}

// hostBaseHandler picks the handler the tap delegates to. slog's
// built-in default handler writes through the log package's default
// Logger, and SetDefault re-routes that Logger into whatever handler
// is installed — delegating to it from inside the tap would re-enter
// the Logger's mutex on the first captured record and deadlock.
// Substitute a direct stderr handler in that case.
func hostBaseHandler() slog.Handler {
	h := slog.Default().Handler()
	if reflect.TypeOf(h).String() == "*slog.defaultHandler" {
		return slog.NewTextHandler(os.Stderr, nil)
	}
	return h
}

// Flush synchronously drains the active buffer.
func (c *Client) Flush() { c.sender.Flush() }

// Shutdown drains the client with the given wall-clock budget, then
// uninstalls the tap. Undelivered records are dropped.
func (c *Client) Shutdown(timeout time.Duration) {
	c.sender.Shutdown(timeout)

	mu.Lock()
	defer mu.Unlock()
	if active == c {
		active = nil
		if baseHandler != nil {
			slog.SetDefault(slog.New(baseHandler))
		}
	}
}

// Flush drains the process-wide instance, if any.
func Flush() {
	mu.Lock()
	c := active
	mu.Unlock()
	if c != nil {
		c.Flush()
	}
}

// Shutdown stops the process-wide instance, if any.
func Shutdown(timeout time.Duration) {
	mu.Lock()
	c := active
	mu.Unlock()
	if c != nil {
		c.Shutdown(timeout)
	}
}
