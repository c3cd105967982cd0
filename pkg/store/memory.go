// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

// MemoryStore is an in-process Store used by tests and the standalone
// development server. All methods are guarded by a single mutex; the
// pipeline's hot path only touches it through the processor's write
// batches, so contention is not a concern.
type MemoryStore struct {
	mu       sync.Mutex
	apps     map[string]*App                // by id
	appNames map[string]string              // ownerID+"\x00"+name → id
	keys     map[string]*APIKey             // by hash
	sessions map[string]*DeviceSession      // by device code
	byUser   map[string]string              // user code → device code
	logs     map[string][]*logrecord.Record // by app id, append order
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:     make(map[string]*App),
		appNames: make(map[string]string),
		keys:     make(map[string]*APIKey),
		sessions: make(map[string]*DeviceSession),
		byUser:   make(map[string]string),
		logs:     make(map[string][]*logrecord.Record),
	}
}

var _ Store = (*MemoryStore)(nil)

// GetOrCreateApp implements Store.
func (m *MemoryStore) GetOrCreateApp(_ context.Context, ownerID, name string) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nameKey := ownerID + "\x00" + name
	if id, ok := m.appNames[nameKey]; ok {
		app := *m.apps[id]
		return &app, nil
	}
	app := &App{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	m.apps[app.ID] = app
	m.appNames[nameKey] = app.ID
	copied := *app
	return &copied, nil
}

// GetApp implements Store.
func (m *MemoryStore) GetApp(_ context.Context, appID string) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *app
	return &copied, nil
}

// InsertAPIKey implements Store.
func (m *MemoryStore) InsertAPIKey(_ context.Context, appID, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[keyHash]; ok {
		return ErrDuplicateKey
	}
	m.keys[keyHash] = &APIKey{AppID: appID, KeyHash: keyHash, CreatedAt: time.Now().UTC()}
	return nil
}

// LookupAPIKey implements Store.
func (m *MemoryStore) LookupAPIKey(_ context.Context, keyHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyHash]
	if !ok || key.RevokedAt != nil {
		return "", ErrNotFound
	}
	return key.AppID, nil
}

// RevokeAPIKey implements Store.
func (m *MemoryStore) RevokeAPIKey(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyHash]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	return nil
}

// InsertSession implements Store.
func (m *MemoryStore) InsertSession(_ context.Context, s *DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.DeviceCode] = &copied
	m.byUser[s.UserCode] = s.DeviceCode
	return nil
}

// SessionByDeviceCode implements Store.
func (m *MemoryStore) SessionByDeviceCode(_ context.Context, deviceCode string) (*DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceCode]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

// SessionByUserCode implements Store.
func (m *MemoryStore) SessionByUserCode(_ context.Context, userCode string) (*DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deviceCode, ok := m.byUser[userCode]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m.sessions[deviceCode]
	return &copied, nil
}

// UpdateSession implements Store.
func (m *MemoryStore) UpdateSession(_ context.Context, s *DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.DeviceCode]; !ok {
		return ErrNotFound
	}
	copied := *s
	m.sessions[s.DeviceCode] = &copied
	return nil
}

// ConsumeSessionKey implements Store.
func (m *MemoryStore) ConsumeSessionKey(_ context.Context, deviceCode string) (*DeviceSession, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceCode]
	if !ok {
		return nil, "", ErrNotFound
	}
	if s.APIKeyPlaintext == "" {
		copied := *s
		return &copied, "", ErrKeyConsumed
	}
	plaintext := s.APIKeyPlaintext
	s.APIKeyPlaintext = ""
	copied := *s
	return &copied, plaintext, nil
}

// ExpireSessions implements Store.
func (m *MemoryStore) ExpireSessions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for _, s := range m.sessions {
		if s.Status != SessionExpired && now.After(s.ExpiresAt) {
			s.Status = SessionExpired
			s.APIKeyPlaintext = ""
			swept++
		}
	}
	return swept, nil
}

// InsertLogs implements Store.
func (m *MemoryStore) InsertLogs(_ context.Context, records []*logrecord.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		copied := *r
		m.logs[r.AppID] = append(m.logs[r.AppID], &copied)
	}
	return nil
}

// RecentErrors implements Store.
func (m *MemoryStore) RecentErrors(_ context.Context, appID string, limit int) ([]*logrecord.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.logs[appID]
	out := make([]*logrecord.Record, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Level.IsError() {
			copied := *all[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

// LogCount returns the number of persisted records for an app. Test
// helper, not part of the Store contract.
func (m *MemoryStore) LogCount(appID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[appID])
}

// Logs returns a copy of the persisted records for an app in append
// order. Test helper, not part of the Store contract.
func (m *MemoryStore) Logs(appID string) []*logrecord.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*logrecord.Record, 0, len(m.logs[appID]))
	for _, r := range m.logs[appID] {
		copied := *r
		out = append(out, &copied)
	}
	return out
}
