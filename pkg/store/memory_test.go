// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

func TestGetOrCreateAppReusesByOwnerAndName(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, err := m.GetOrCreateApp(ctx, "owner-1", "api")
	require.NoError(t, err)
	second, err := m.GetOrCreateApp(ctx, "owner-1", "api")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := m.GetOrCreateApp(ctx, "owner-2", "api")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.InsertAPIKey(ctx, "app-1", "hash-1"))
	assert.ErrorIs(t, m.InsertAPIKey(ctx, "app-2", "hash-1"), ErrDuplicateKey)

	appID, err := m.LookupAPIKey(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "app-1", appID)

	_, err = m.LookupAPIKey(ctx, "hash-unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.RevokeAPIKey(ctx, "hash-1"))
	_, err = m.LookupAPIKey(ctx, "hash-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeSessionKeyIsSingleRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s := &DeviceSession{
		ID:              "id-1",
		DeviceCode:      "device-1",
		UserCode:        "BCDFGHJK",
		Status:          SessionCompleted,
		AppID:           "app-1",
		APIKeyPlaintext: "sk_secret",
		ExpiresAt:       time.Now().Add(10 * time.Minute),
		CreatedAt:       time.Now(),
	}
	require.NoError(t, m.InsertSession(ctx, s))

	got, plaintext, err := m.ConsumeSessionKey(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "sk_secret", plaintext)
	assert.Equal(t, "app-1", got.AppID)

	_, _, err = m.ConsumeSessionKey(ctx, "device-1")
	assert.ErrorIs(t, err, ErrKeyConsumed)

	// The stored record itself no longer carries the plaintext.
	stored, err := m.SessionByDeviceCode(ctx, "device-1")
	require.NoError(t, err)
	assert.Empty(t, stored.APIKeyPlaintext)
}

func TestExpireSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	require.NoError(t, m.InsertSession(ctx, &DeviceSession{
		DeviceCode: "old", UserCode: "AAAAAAAA", Status: SessionPending,
		APIKeyPlaintext: "sk_should_be_cleared",
		ExpiresAt:       now.Add(-time.Minute), CreatedAt: now.Add(-11 * time.Minute),
	}))
	require.NoError(t, m.InsertSession(ctx, &DeviceSession{
		DeviceCode: "fresh", UserCode: "BBBBBBBB", Status: SessionPending,
		ExpiresAt: now.Add(9 * time.Minute), CreatedAt: now,
	}))

	swept, err := m.ExpireSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	old, err := m.SessionByDeviceCode(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, SessionExpired, old.Status)
	assert.Empty(t, old.APIKeyPlaintext)

	fresh, err := m.SessionByDeviceCode(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, SessionPending, fresh.Status)
}

func TestInsertLogsPreservesOrderAndRecentErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()

	var records []*logrecord.Record
	for i := 0; i < 5; i++ {
		level := logrecord.LevelInfo
		if i%2 == 1 {
			level = logrecord.LevelError
		}
		records = append(records, &logrecord.Record{
			AppID:     "app-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     level,
			Message:   string(rune('a' + i)),
		})
	}
	require.NoError(t, m.InsertLogs(ctx, records))
	assert.Equal(t, 5, m.LogCount("app-1"))

	stored := m.Logs("app-1")
	for i, r := range stored {
		assert.Equal(t, string(rune('a'+i)), r.Message)
	}

	recent, err := m.RecentErrors(ctx, "app-1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "d", recent[0].Message) // newest error first
}
