// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package processor runs one long-lived task per active app. The task
// owns the app's rolling aggregates and its write path toward the
// store; the ingest endpoint only performs bounded enqueues onto the
// task's channel.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/aggregate"
	"github.com/logsentry/logsentry/pkg/classify"
	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/metrics"
	"github.com/logsentry/logsentry/pkg/spool"
	"github.com/logsentry/logsentry/pkg/store"
)

// ErrBackpressure is returned by Enqueue when the app's channel stayed
// full for the whole bounded wait. The ingest endpoint maps it to 503.
var ErrBackpressure = errors.New("per-app channel full")

// Config tunes a per-app processor. The zero value is completed by
// withDefaults.
type Config struct {
	// MaxPending is the record capacity of the inbound channel.
	MaxPending int
	// EnqueueWait bounds how long Enqueue blocks on a full channel.
	EnqueueWait time.Duration
	// WriteBatchSize flushes the write batch when reached.
	WriteBatchSize int
	// WriteInterval flushes the write batch when the oldest pending
	// write is older than this.
	WriteInterval time.Duration
	// SnapshotInterval republishes the aggregate snapshot.
	SnapshotInterval time.Duration
	// StoreTimeout bounds one store write.
	StoreTimeout time.Duration
	// ClassifyTimeout bounds one classifier call.
	ClassifyTimeout time.Duration
	// ClassifyConcurrency caps in-flight classifier calls across all
	// processors.
	ClassifyConcurrency int
	// BackoffBase and BackoffCap shape the write retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxWriteFailures is how many consecutive write failures flip the
	// processor into degraded mode.
	MaxWriteFailures int
	// RecoveryInterval is how often a degraded processor probes the
	// store by attempting a spool drain.
	RecoveryInterval time.Duration
	// SpoolDir is the root directory for degraded-mode spools.
	SpoolDir string
	// SpoolMaxBytes caps one app's spool.
	SpoolMaxBytes int64
}

func (c Config) withDefaults() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
	if c.EnqueueWait <= 0 {
		c.EnqueueWait = 250 * time.Millisecond
	}
	if c.WriteBatchSize <= 0 {
		c.WriteBatchSize = 200
	}
	if c.WriteInterval <= 0 {
		c.WriteInterval = 2 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 2 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = classify.DefaultTimeout
	}
	if c.ClassifyConcurrency <= 0 {
		c.ClassifyConcurrency = classify.DefaultConcurrency
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxWriteFailures <= 0 {
		c.MaxWriteFailures = 10
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 10 * time.Second
	}
	if c.SpoolMaxBytes <= 0 {
		c.SpoolMaxBytes = spool.DefaultMaxBytes
	}
	return c
}

// Processor is the long-lived task owning one app's pipeline tail.
type Processor struct {
	appID   string
	appName string
	cfg     Config

	store      store.Store
	classifier classify.Classifier
	aggs       *aggregate.AppAggregates
	log        *zap.Logger
	clock      clock.Clock

	inputChan chan []*logrecord.Record
	pending   atomic.Int64
	// releaseChan wakes one waiting Enqueue after handleBatch returns
	// record budget.
	releaseChan chan struct{}

	writeBatch  []*logrecord.Record
	oldestWrite time.Time

	degraded  atomic.Bool
	appSpool  *spool.Spool
	lastProbe time.Time

	drainChan chan struct{}
	doneChan  chan struct{}
}

// New builds a processor for one app. Start must be called before
// Enqueue.
func New(appID, appName string, st store.Store, classifier classify.Classifier, cfg Config, log *zap.Logger) (*Processor, error) {
	cfg = cfg.withDefaults()
	if classifier == nil {
		classifier = classify.Noop{}
	}
	p := &Processor{
		appID:      appID,
		appName:    appName,
		cfg:        cfg,
		store:      st,
		classifier: classifier,
		aggs:       aggregate.New(appID, appName),
		log:        log.With(zap.String("app_id", appID)),
		clock:      clock.New(),
		inputChan:   make(chan []*logrecord.Record, 64),
		releaseChan: make(chan struct{}, 1),
		drainChan:   make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
	if cfg.SpoolDir != "" {
		sp, err := spool.Open(fmt.Sprintf("%s/%s", cfg.SpoolDir, appID), cfg.SpoolMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("opening spool for app %s: %w", appID, err)
		}
		p.appSpool = sp
	}
	return p, nil
}

// SetClock replaces the wall clock. Test hook; call before Start.
func (p *Processor) SetClock(c clock.Clock) {
	p.clock = c
	p.aggs.SetClock(c)
}

// Aggregates exposes the app's aggregates for the summary reader.
func (p *Processor) Aggregates() *aggregate.AppAggregates { return p.aggs }

// Degraded reports whether the processor is spooling instead of
// writing to the store.
func (p *Processor) Degraded() bool { return p.degraded.Load() }

// Start launches the processing loop.
func (p *Processor) Start() {
	metrics.ActiveProcessors.Add(1)
	metrics.TlmActiveProcessors.Inc()
	go p.run()
}

// Stop signals a drain and waits for the loop to finish its current
// batch, flush the write batch and publish a final snapshot.
func (p *Processor) Stop(ctx context.Context) error {
	close(p.drainChan)
	select {
	case <-p.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands a batch to the processor. It blocks at most
// cfg.EnqueueWait for record budget and a channel slot, then reports
// ErrBackpressure.
func (p *Processor) Enqueue(ctx context.Context, batch []*logrecord.Record) error {
	if len(batch) == 0 {
		return nil
	}
	timer := p.clock.Timer(p.cfg.EnqueueWait)
	defer timer.Stop()

	for !p.tryReserve(len(batch)) {
		select {
		case <-p.releaseChan:
		case <-timer.C:
			metrics.BackpressureRejections.Add(1)
			metrics.TlmBackpressureRejections.Inc()
			return ErrBackpressure
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case p.inputChan <- batch:
		return nil
	case <-timer.C:
		p.pending.Sub(int64(len(batch)))
		metrics.BackpressureRejections.Add(1)
		metrics.TlmBackpressureRejections.Inc()
		return ErrBackpressure
	case <-ctx.Done():
		p.pending.Sub(int64(len(batch)))
		return ctx.Err()
	}
}

func (p *Processor) tryReserve(n int) bool {
	for {
		current := p.pending.Load()
		if current+int64(n) > int64(p.cfg.MaxPending) {
			return false
		}
		if p.pending.CompareAndSwap(current, current+int64(n)) {
			return true
		}
	}
}

func (p *Processor) run() {
	defer close(p.doneChan)
	defer func() {
		metrics.ActiveProcessors.Add(-1)
		metrics.TlmActiveProcessors.Dec()
	}()

	writeTicker := p.clock.Ticker(p.cfg.WriteInterval / 2)
	defer writeTicker.Stop()
	snapshotTicker := p.clock.Ticker(p.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case batch := <-p.inputChan:
			p.handleBatch(batch)
		case <-writeTicker.C:
			if len(p.writeBatch) > 0 && !p.clock.Now().Before(p.oldestWrite.Add(p.cfg.WriteInterval)) {
				p.flushWrites()
			}
		case <-snapshotTicker.C:
			p.aggs.Publish()
		case <-p.drainChan:
			p.finish()
			return
		}
	}
}

// finish drains whatever is already queued, flushes pending writes and
// publishes the final snapshot.
func (p *Processor) finish() {
	for {
		select {
		case batch := <-p.inputChan:
			p.handleBatch(batch)
		default:
			p.flushWrites()
			p.aggs.Publish()
			if p.appSpool != nil {
				p.appSpool.Close()
			}
			return
		}
	}
}

func (p *Processor) handleBatch(batch []*logrecord.Record) {
	p.pending.Sub(int64(len(batch)))
	select {
	case p.releaseChan <- struct{}{}:
	default:
	}

	// Classification is best-effort: on failure or timeout the batch
	// passes through unclassified.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ClassifyTimeout)
	if err := p.classifier.Classify(ctx, batch); err != nil {
		metrics.ClassifierFailures.Add(1)
		metrics.TlmClassifierFailures.Inc()
		p.log.Debug("classifier call failed, passing through", zap.Error(err))
	}
	cancel()

	for _, r := range batch {
		p.aggs.Record(r)
	}

	if len(p.writeBatch) == 0 {
		p.oldestWrite = p.clock.Now()
	}
	p.writeBatch = append(p.writeBatch, batch...)
	if len(p.writeBatch) >= p.cfg.WriteBatchSize {
		p.flushWrites()
	}
}

// flushWrites pushes the pending write batch toward the store, or the
// spool when degraded.
func (p *Processor) flushWrites() {
	if len(p.writeBatch) == 0 {
		return
	}
	batch := p.writeBatch
	p.writeBatch = nil

	if p.degraded.Load() {
		p.degradedWrite(batch)
		return
	}

	if err := p.writeWithRetry(batch); err != nil {
		p.log.Error("store writes exhausted retries, entering degraded mode", zap.Error(err))
		p.degraded.Store(true)
		p.lastProbe = p.clock.Now()
		p.toSpool(batch)
	}
}

// writeWithRetry attempts the store write with exponential backoff and
// full jitter, giving up after cfg.MaxWriteFailures consecutive
// failures.
func (p *Processor) writeWithRetry(batch []*logrecord.Record) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.BackoffBase
	policy.MaxInterval = p.cfg.BackoffCap
	policy.RandomizationFactor = 1
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
		defer cancel()
		if err := p.store.InsertLogs(ctx, batch); err != nil {
			metrics.StoreWriteFailures.Add(1)
			metrics.TlmStoreWriteFailures.Inc()
			p.log.Warn("store write failed", zap.Int("records", len(batch)), zap.Error(err))
			return err
		}
		metrics.LogsPersisted.Add(int64(len(batch)))
		metrics.TlmLogsPersisted.Add(float64(len(batch)))
		return nil
	}, backoff.WithMaxRetries(policy, uint64(p.cfg.MaxWriteFailures-1)))
}

// degradedWrite spools the batch, first probing for recovery at most
// once per RecoveryInterval. Recovery drains the spool before any new
// record reaches the store, preserving per-app order.
func (p *Processor) degradedWrite(batch []*logrecord.Record) {
	now := p.clock.Now()
	if !now.Before(p.lastProbe.Add(p.cfg.RecoveryInterval)) {
		p.lastProbe = now
		if err := p.drainSpool(); err == nil {
			p.degraded.Store(false)
			p.log.Info("store recovered, degraded mode cleared")
			if err := p.writeWithRetry(batch); err != nil {
				p.degraded.Store(true)
				p.toSpool(batch)
			}
			return
		}
	}
	p.toSpool(batch)
}

func (p *Processor) toSpool(batch []*logrecord.Record) {
	if p.appSpool == nil {
		metrics.LogsDropped.Add(int64(len(batch)))
		metrics.TlmLogsDropped.WithLabelValues("no_spool").Add(float64(len(batch)))
		return
	}
	if err := p.appSpool.Append(batch); err != nil {
		p.log.Error("spool append failed, dropping batch", zap.Int("records", len(batch)), zap.Error(err))
		metrics.LogsDropped.Add(int64(len(batch)))
		metrics.TlmLogsDropped.WithLabelValues("spool_error").Add(float64(len(batch)))
	}
}

func (p *Processor) drainSpool() error {
	if p.appSpool == nil || p.appSpool.Empty() {
		// Nothing spooled; probe with an empty write.
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
		defer cancel()
		return p.store.InsertLogs(ctx, nil)
	}
	return p.appSpool.Drain(func(records []*logrecord.Record) error {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
		defer cancel()
		if err := p.store.InsertLogs(ctx, records); err != nil {
			return err
		}
		metrics.LogsPersisted.Add(int64(len(records)))
		metrics.TlmLogsPersisted.Add(float64(len(records)))
		return nil
	})
}
