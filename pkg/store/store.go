// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store defines the persistence contract of the telemetry
// pipeline: apps, API-key hashes, device sessions and persisted logs.
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrKeyConsumed  = errors.New("store: session key already consumed")
	ErrDuplicateKey = errors.New("store: key hash already exists")
)

// App is an owner-scoped tenant under which logs are grouped.
type App struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// APIKey is the at-rest form of an ingest credential. Only the
// deterministic hash is ever stored.
type APIKey struct {
	AppID     string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// SessionStatus is the lifecycle state of a device session.
type SessionStatus string

// Device session states. Transitions are monotone along
// pending → approved → completed; any state may become expired.
const (
	SessionPending   SessionStatus = "pending"
	SessionApproved  SessionStatus = "approved"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionDenied    SessionStatus = "denied"
)

// DeviceSession is the ephemeral record coordinating the CLI, the
// browser and the server during SDK onboarding.
type DeviceSession struct {
	ID          string
	DeviceCode  string
	UserCode    string
	Status      SessionStatus
	AppName     string
	Description string
	UserID      string
	AppID       string
	// APIKeyPlaintext is set on completion and cleared by the first
	// successful poll read. It never reaches the apps or keys tables.
	APIKeyPlaintext string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	ApprovedAt      *time.Time
}

// Store is the document-store contract used by the core pipeline.
type Store interface {
	// GetOrCreateApp returns the owner's app with the given name,
	// creating it if absent. Names are unique per owner; collisions
	// reuse the existing app.
	GetOrCreateApp(ctx context.Context, ownerID, name string) (*App, error)
	GetApp(ctx context.Context, appID string) (*App, error)

	// InsertAPIKey binds a key hash to an app. A hash is never
	// re-issued: inserting a duplicate returns ErrDuplicateKey.
	InsertAPIKey(ctx context.Context, appID, keyHash string) error
	// LookupAPIKey resolves an active (non-revoked) key hash to its
	// app id, or ErrNotFound.
	LookupAPIKey(ctx context.Context, keyHash string) (string, error)
	RevokeAPIKey(ctx context.Context, keyHash string) error

	InsertSession(ctx context.Context, s *DeviceSession) error
	SessionByDeviceCode(ctx context.Context, deviceCode string) (*DeviceSession, error)
	SessionByUserCode(ctx context.Context, userCode string) (*DeviceSession, error)
	UpdateSession(ctx context.Context, s *DeviceSession) error
	// ConsumeSessionKey atomically reads and clears the session's
	// plaintext key. The second call for a session returns
	// ErrKeyConsumed.
	ConsumeSessionKey(ctx context.Context, deviceCode string) (*DeviceSession, string, error)
	// ExpireSessions marks sessions past their deadline as expired
	// and returns how many were swept.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)

	// InsertLogs appends persisted records. Records in the slice are
	// written in order.
	InsertLogs(ctx context.Context, records []*logrecord.Record) error
	// RecentErrors returns up to limit of the most recent ERROR and
	// CRITICAL records for an app, newest first.
	RecentErrors(ctx context.Context, appID string, limit int) ([]*logrecord.Record, error)
}
