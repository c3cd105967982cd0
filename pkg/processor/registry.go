// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package processor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/aggregate"
	"github.com/logsentry/logsentry/pkg/classify"
	"github.com/logsentry/logsentry/pkg/store"
)

// Registry owns the per-app processors. It is the single process-wide
// piece of mutable pipeline state; tests create their own registries
// instead of sharing a global.
type Registry struct {
	store      store.Store
	classifier classify.Classifier
	cfg        Config
	log        *zap.Logger

	mu    sync.RWMutex
	procs map[string]*Processor
}

// NewRegistry builds an empty processor registry.
func NewRegistry(st store.Store, classifier classify.Classifier, cfg Config, log *zap.Logger) *Registry {
	cfg = cfg.withDefaults()
	if classifier != nil {
		classifier = classify.NewLimited(classifier, cfg.ClassifyConcurrency)
	}
	return &Registry{
		store:      st,
		classifier: classifier,
		cfg:        cfg,
		log:        log,
		procs:      make(map[string]*Processor),
	}
}

// GetOrStart returns the app's processor, starting one on first use.
func (r *Registry) GetOrStart(appID, appName string) (*Processor, error) {
	r.mu.RLock()
	p, ok := r.procs[appID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[appID]; ok {
		return p, nil
	}
	p, err := New(appID, appName, r.store, r.classifier, r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	p.Start()
	r.procs[appID] = p
	return p, nil
}

// Snapshot returns the latest aggregate snapshot for an app, or false
// when the app has no live processor.
func (r *Registry) Snapshot(appID string) (*aggregate.AppSnapshot, bool) {
	r.mu.RLock()
	p, ok := r.procs[appID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Aggregates().Snapshot(), true
}

// Shutdown drains every processor. Processors finish their current
// batch, flush pending writes and publish final snapshots.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	procs := make([]*Processor, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.procs = make(map[string]*Processor)
	r.mu.Unlock()

	var firstErr error
	for _, p := range procs {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
