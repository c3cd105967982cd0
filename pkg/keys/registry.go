// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/logsentry/logsentry/pkg/metrics"
	"github.com/logsentry/logsentry/pkg/store"
)

// ErrUnauthorized is returned when a presented key does not resolve to
// an active app.
var ErrUnauthorized = errors.New("api key not recognized")

// negativeTTL is how long a failed lookup is remembered before the
// slow hash is consulted again for the same plaintext.
const negativeTTL = 5 * time.Second

type cacheEntry struct {
	appID     string
	negative  bool
	expiresAt time.Time
}

// Registry resolves plaintext ingest keys to app ids. Lookups go
// through a read-mostly HMAC-keyed cache; the authoritative check is
// always the slow deterministic hash against the store.
type Registry struct {
	store  store.Store
	hasher *Hasher
	clock  clock.Clock

	cacheKey []byte
	mu       sync.RWMutex
	cache    map[string]cacheEntry
}

// NewRegistry builds a Registry over the given store and hasher.
func NewRegistry(st store.Store, hasher *Hasher) (*Registry, error) {
	cacheKey := make([]byte, 32)
	if _, err := rand.Read(cacheKey); err != nil {
		return nil, fmt.Errorf("initializing key cache: %w", err)
	}
	return &Registry{
		store:    st,
		hasher:   hasher,
		clock:    clock.New(),
		cacheKey: cacheKey,
		cache:    make(map[string]cacheEntry),
	}, nil
}

// SetClock replaces the wall clock. Test hook.
func (r *Registry) SetClock(c clock.Clock) { r.clock = c }

// Authorize resolves a plaintext key to the app it authenticates.
// Returns ErrUnauthorized for unknown or revoked keys; the negative
// result is cached for a short interval to shield the slow hash from
// retry storms.
func (r *Registry) Authorize(ctx context.Context, plaintext string) (string, error) {
	if err := CheckFormat(plaintext); err != nil {
		return "", ErrUnauthorized
	}
	digest := cacheDigest(r.cacheKey, plaintext)

	now := r.clock.Now()
	r.mu.RLock()
	entry, ok := r.cache[digest]
	r.mu.RUnlock()
	if ok {
		if !entry.negative {
			metrics.KeyCacheHits.Add(1)
			metrics.TlmKeyCacheLookups.WithLabelValues("hit").Inc()
			return entry.appID, nil
		}
		if now.Before(entry.expiresAt) {
			metrics.KeyCacheHits.Add(1)
			metrics.TlmKeyCacheLookups.WithLabelValues("negative_hit").Inc()
			return "", ErrUnauthorized
		}
	}
	metrics.KeyCacheMisses.Add(1)
	metrics.TlmKeyCacheLookups.WithLabelValues("miss").Inc()

	appID, err := r.store.LookupAPIKey(ctx, r.hasher.Hash(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.mu.Lock()
			r.cache[digest] = cacheEntry{negative: true, expiresAt: now.Add(negativeTTL)}
			r.mu.Unlock()
			return "", ErrUnauthorized
		}
		return "", fmt.Errorf("key lookup: %w", err)
	}

	r.mu.Lock()
	r.cache[digest] = cacheEntry{appID: appID}
	r.mu.Unlock()
	return appID, nil
}

// Issue mints a key for the app, persists only its hash, and returns
// the plaintext to the caller exactly once. Any cached negative result
// for the new plaintext is invalidated.
func (r *Registry) Issue(ctx context.Context, appID string) (string, error) {
	plaintext, err := Mint()
	if err != nil {
		return "", err
	}
	if err := r.store.InsertAPIKey(ctx, appID, r.hasher.Hash(plaintext)); err != nil {
		return "", fmt.Errorf("persisting api key: %w", err)
	}
	r.mu.Lock()
	delete(r.cache, cacheDigest(r.cacheKey, plaintext))
	r.mu.Unlock()
	return plaintext, nil
}

// Revoke disables a key by plaintext and drops it from the cache.
func (r *Registry) Revoke(ctx context.Context, plaintext string) error {
	if err := r.store.RevokeAPIKey(ctx, r.hasher.Hash(plaintext)); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, cacheDigest(r.cacheKey, plaintext))
	r.mu.Unlock()
	return nil
}
