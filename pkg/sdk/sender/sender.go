// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package sender runs the SDK's single background flusher. It owns the
// HTTP connection to the ingest endpoint; producers only touch the
// buffer.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/sdk/buffer"
)

// Config tunes the flusher. Zero values are completed by withDefaults.
type Config struct {
	// DSN is the server base URL; the flusher posts to {DSN}/ingest.
	DSN string
	// APIKey is sent in every envelope.
	APIKey string
	// BatchSize is the number of records per flush.
	BatchSize int
	// FlushInterval is the soft bound on record age in the buffer.
	FlushInterval time.Duration
	// HTTPTimeout bounds one delivery attempt.
	HTTPTimeout time.Duration
	// BackoffBase and BackoffCap shape the retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxFailures is how many consecutive retryable failures are
	// tolerated before the batch is dropped.
	MaxFailures int
	// ShutdownBudget is the wall-clock budget of the final flush.
	ShutdownBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.ShutdownBudget <= 0 {
		c.ShutdownBudget = 5 * time.Second
	}
	return c
}

// Sender is the background flusher task.
type Sender struct {
	cfg    Config
	buf    *buffer.Buffer
	client *http.Client
	log    *slog.Logger
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	failures int
	// unauthorized parks the flusher after a 401; only the run
	// goroutine touches it.
	unauthorized bool

	flushReq chan chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
}

// New builds a sender over the buffer. Start must be called once.
func New(cfg Config, buf *buffer.Buffer, log *slog.Logger) *Sender {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		cfg:      cfg,
		buf:      buf,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		log:      log,
		clock:    clock.New(),
		ctx:      ctx,
		cancel:   cancel,
		flushReq: make(chan chan struct{}),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// SetClock replaces the wall clock. Test hook; call before Start.
func (s *Sender) SetClock(c clock.Clock) { s.clock = c }

// Start launches the flusher goroutine.
func (s *Sender) Start() {
	go s.run()
}

// Flush synchronously drains the buffer through the flusher. It
// returns once every currently buffered record has been attempted.
func (s *Sender) Flush() {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
		<-done
	case <-s.doneChan:
	}
}

// Shutdown signals the flusher, waits up to timeout for the final
// flush, then cancels any outstanding HTTP I/O.
func (s *Sender) Shutdown(timeout time.Duration) {
	close(s.stopChan)
	select {
	case <-s.doneChan:
	case <-s.clock.After(timeout):
		s.cancel()
		<-s.doneChan
	}
}

func (s *Sender) run() {
	defer close(s.doneChan)
	for {
		if s.unauthorized {
			// Parked: the key was rejected, nothing will deliver until
			// the process re-initializes with a fresh one.
			select {
			case done := <-s.flushReq:
				close(done)
			case <-s.stopChan:
				return
			}
			continue
		}

		if s.buf.Len() >= s.cfg.BatchSize {
			s.sendBatch(s.ctx)
			continue
		}

		var timer <-chan time.Time
		if age, ok := s.buf.OldestAge(s.clock.Now()); ok {
			wait := s.cfg.FlushInterval - age
			if wait <= 0 {
				s.sendBatch(s.ctx)
				continue
			}
			timer = s.clock.After(wait)
		}

		select {
		case <-s.buf.C():
		case <-timer:
		case done := <-s.flushReq:
			s.drain(s.ctx)
			close(done)
		case <-s.stopChan:
			s.finalFlush()
			return
		}
	}
}

// drain pushes everything currently buffered, batch by batch.
func (s *Sender) drain(ctx context.Context) {
	for s.buf.Len() > 0 {
		if !s.sendBatch(ctx) {
			return
		}
	}
}

// finalFlush performs the shutdown drain within the configured budget.
// Undelivered records are dropped.
func (s *Sender) finalFlush() {
	if s.unauthorized {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ShutdownBudget)
	defer cancel()
	for s.buf.Len() > 0 {
		if ctx.Err() != nil {
			s.log.Warn("shutdown budget exhausted, dropping records",
				slog.Int("remaining", s.buf.Len()))
			return
		}
		batch := s.buf.Drain(s.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		// One attempt each; no retries on the way out.
		switch s.attempt(ctx, batch) {
		case outcomeDelivered, outcomeDropped:
		case outcomeUnauthorized:
			s.unauthorized = true
			return
		default:
			s.log.Warn("final flush attempt failed, dropping batch",
				slog.Int("records", len(batch)))
		}
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeDropped
	outcomeRetry
	outcomeUnauthorized
)

// sendBatch drains one batch and drives it to a terminal state:
// delivered, dropped, or reinserted for a later retry. Returns false
// when the batch was reinserted, so callers stop looping.
func (s *Sender) sendBatch(ctx context.Context) bool {
	batch := s.buf.Drain(s.cfg.BatchSize)
	if len(batch) == 0 {
		return true
	}

	switch s.attempt(ctx, batch) {
	case outcomeDelivered, outcomeDropped:
		s.failures = 0
		return true
	case outcomeUnauthorized:
		s.unauthorized = true
		return false
	default:
		s.failures++
		if s.failures >= s.cfg.MaxFailures {
			s.log.Error("delivery failed repeatedly, dropping batch",
				slog.Int("records", len(batch)),
				slog.Int("consecutive_failures", s.failures))
			s.failures = 0
			return true
		}
		s.buf.PushFront(batch)
		select {
		case <-s.clock.After(s.backoff()):
		case <-ctx.Done():
		}
		return false
	}
}

// attempt posts one batch. 2xx delivers; 413 splits the batch and
// retries each half once; 401 is terminal and parks the flusher; 4xx
// other than 429 drops; 429, 5xx and network errors are retryable.
func (s *Sender) attempt(ctx context.Context, batch []*logrecord.Record) outcome {
	status, err := s.post(ctx, batch)
	if err != nil {
		s.log.Warn("delivery attempt failed", slog.String("error", err.Error()))
		return outcomeRetry
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeDelivered
	case status == http.StatusRequestEntityTooLarge:
		s.splitAndResend(ctx, batch)
		return outcomeDelivered
	case status == http.StatusUnauthorized:
		s.log.Error("server rejected the api key, stopping delivery",
			slog.Int("records", len(batch)))
		return outcomeUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		s.log.Warn("server asked for retry", slog.Int("status", status))
		return outcomeRetry
	default:
		s.log.Warn("server rejected batch, dropping",
			slog.Int("status", status), slog.Int("records", len(batch)))
		return outcomeDropped
	}
}

// splitAndResend handles an oversize envelope by posting each half
// once. Halves that still fail are dropped.
func (s *Sender) splitAndResend(ctx context.Context, batch []*logrecord.Record) {
	if len(batch) < 2 {
		s.log.Warn("single record too large for the server, dropping")
		return
	}
	mid := len(batch) / 2
	for _, half := range [][]*logrecord.Record{batch[:mid], batch[mid:]} {
		status, err := s.post(ctx, half)
		if err != nil || status < 200 || status >= 300 {
			s.log.Warn("split retry failed, dropping half",
				slog.Int("records", len(half)))
		}
	}
}

func (s *Sender) post(ctx context.Context, batch []*logrecord.Record) (int, error) {
	logs := make([]logrecord.Record, len(batch))
	for i, r := range batch {
		logs[i] = *r
	}
	body, err := json.Marshal(logrecord.Envelope{APIKey: s.cfg.APIKey, Logs: logs})
	if err != nil {
		return 0, fmt.Errorf("encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.DSN+"/ingest", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return res.StatusCode, nil
}

// backoff returns the next sleep with full jitter.
func (s *Sender) backoff() time.Duration {
	max := s.cfg.BackoffBase << (s.failures - 1)
	if max > s.cfg.BackoffCap || max <= 0 {
		max = s.cfg.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(max)) + 1)
}
