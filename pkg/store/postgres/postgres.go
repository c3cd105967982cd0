// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package postgres implements the store contract on PostgreSQL via
// pgx. Logs are append-only; device sessions use row-level atomicity
// for the single-read key handoff.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/store"
)

// uniqueViolation is the PostgreSQL error code for unique constraints.
const uniqueViolation = "23505"

// Store is a pgxpool-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool against the given connection string and pings
// it once.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate creates the schema when absent. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (owner_id, name)
);
CREATE TABLE IF NOT EXISTS app_api_keys (
	app_id     TEXT NOT NULL REFERENCES apps(id),
	key_hash   TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS device_sessions (
	id                TEXT PRIMARY KEY,
	device_code       TEXT NOT NULL UNIQUE,
	user_code         TEXT NOT NULL,
	status            TEXT NOT NULL,
	app_name          TEXT NOT NULL,
	description       TEXT,
	user_id           TEXT,
	app_id            TEXT,
	api_key_plaintext TEXT,
	expires_at        TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	approved_at       TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS logs (
	id             BIGSERIAL PRIMARY KEY,
	app_id         TEXT NOT NULL,
	ts             TIMESTAMPTZ NOT NULL,
	ingested_at    TIMESTAMPTZ NOT NULL,
	level          TEXT NOT NULL,
	service        TEXT,
	message        TEXT NOT NULL,
	attributes     JSONB,
	fingerprint    TEXT NOT NULL,
	classification TEXT
);
CREATE INDEX IF NOT EXISTS logs_app_errors
	ON logs (app_id, ingested_at DESC)
	WHERE level IN ('ERROR', 'CRITICAL');
`

// GetOrCreateApp returns the owner's app, creating it on first use.
// Name collisions reuse the existing row.
func (s *Store) GetOrCreateApp(ctx context.Context, ownerID, name string) (*store.App, error) {
	app := &store.App{ID: uuid.NewString(), OwnerID: ownerID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO apps (id, owner_id, name, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id, name) DO NOTHING`,
		app.ID, app.OwnerID, app.Name, app.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting app: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, created_at FROM apps WHERE owner_id = $1 AND name = $2`,
		ownerID, name)
	if err := row.Scan(&app.ID, &app.OwnerID, &app.Name, &app.CreatedAt); err != nil {
		return nil, fmt.Errorf("reading app back: %w", err)
	}
	return app, nil
}

// GetApp resolves an app id.
func (s *Store) GetApp(ctx context.Context, appID string) (*store.App, error) {
	app := &store.App{}
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, created_at FROM apps WHERE id = $1`, appID)
	if err := row.Scan(&app.ID, &app.OwnerID, &app.Name, &app.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading app: %w", err)
	}
	return app, nil
}

// InsertAPIKey binds a key hash to an app.
func (s *Store) InsertAPIKey(ctx context.Context, appID, keyHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO app_api_keys (app_id, key_hash, created_at) VALUES ($1, $2, $3)`,
		appID, keyHash, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// LookupAPIKey resolves an active key hash to its app id.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (string, error) {
	var appID string
	row := s.pool.QueryRow(ctx,
		`SELECT app_id FROM app_api_keys WHERE key_hash = $1 AND revoked_at IS NULL`, keyHash)
	if err := row.Scan(&appID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("looking up api key: %w", err)
	}
	return appID, nil
}

// RevokeAPIKey disables a key hash.
func (s *Store) RevokeAPIKey(ctx context.Context, keyHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE app_api_keys SET revoked_at = $1 WHERE key_hash = $2 AND revoked_at IS NULL`,
		time.Now().UTC(), keyHash)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertSession stores a fresh device session.
func (s *Store) InsertSession(ctx context.Context, sess *store.DeviceSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_sessions
		 (id, device_code, user_code, status, app_name, description, user_id, app_id,
		  api_key_plaintext, expires_at, created_at, approved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.DeviceCode, sess.UserCode, sess.Status, sess.AppName,
		nullable(sess.Description), nullable(sess.UserID), nullable(sess.AppID),
		nullable(sess.APIKeyPlaintext), sess.ExpiresAt, sess.CreatedAt, sess.ApprovedAt)
	if err != nil {
		return fmt.Errorf("inserting device session: %w", err)
	}
	return nil
}

const sessionColumns = `id, device_code, user_code, status, app_name,
	COALESCE(description, ''), COALESCE(user_id, ''), COALESCE(app_id, ''),
	COALESCE(api_key_plaintext, ''), expires_at, created_at, approved_at`

func scanSession(row pgx.Row) (*store.DeviceSession, error) {
	sess := &store.DeviceSession{}
	err := row.Scan(&sess.ID, &sess.DeviceCode, &sess.UserCode, &sess.Status,
		&sess.AppName, &sess.Description, &sess.UserID, &sess.AppID,
		&sess.APIKeyPlaintext, &sess.ExpiresAt, &sess.CreatedAt, &sess.ApprovedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scanning device session: %w", err)
	}
	return sess, nil
}

// SessionByDeviceCode fetches a session by its device code.
func (s *Store) SessionByDeviceCode(ctx context.Context, deviceCode string) (*store.DeviceSession, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions WHERE device_code = $1`, deviceCode))
}

// SessionByUserCode fetches the newest pending-capable session for a
// user code.
func (s *Store) SessionByUserCode(ctx context.Context, userCode string) (*store.DeviceSession, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions
		 WHERE user_code = $1 ORDER BY created_at DESC LIMIT 1`, userCode))
}

// UpdateSession persists a session's mutable fields.
func (s *Store) UpdateSession(ctx context.Context, sess *store.DeviceSession) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_sessions SET status = $2, user_id = $3, app_id = $4,
		 api_key_plaintext = $5, approved_at = $6 WHERE id = $1`,
		sess.ID, sess.Status, nullable(sess.UserID), nullable(sess.AppID),
		nullable(sess.APIKeyPlaintext), sess.ApprovedAt)
	if err != nil {
		return fmt.Errorf("updating device session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ConsumeSessionKey atomically reads and clears the plaintext key. The
// row lock taken by SELECT ... FOR UPDATE guarantees exactly one poll
// observes the plaintext.
func (s *Store) ConsumeSessionKey(ctx context.Context, deviceCode string) (*store.DeviceSession, string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("beginning consume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions WHERE device_code = $1 FOR UPDATE`,
		deviceCode))
	if err != nil {
		return nil, "", err
	}
	if sess.APIKeyPlaintext == "" {
		return nil, "", store.ErrKeyConsumed
	}
	plaintext := sess.APIKeyPlaintext
	sess.APIKeyPlaintext = ""

	if _, err := tx.Exec(ctx,
		`UPDATE device_sessions SET api_key_plaintext = NULL WHERE device_code = $1`,
		deviceCode); err != nil {
		return nil, "", fmt.Errorf("clearing session key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("committing consume tx: %w", err)
	}
	return sess, plaintext, nil
}

// ExpireSessions marks overdue sessions and reports how many changed.
func (s *Store) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_sessions SET status = $1, api_key_plaintext = NULL
		 WHERE expires_at < $2 AND status NOT IN ($1, $3)`,
		store.SessionExpired, now, store.SessionDenied)
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertLogs appends a batch of records in order using one round trip.
func (s *Store) InsertLogs(ctx context.Context, records []*logrecord.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		var attrs []byte
		if len(r.Attributes) > 0 {
			encoded, err := json.Marshal(r.Attributes)
			if err != nil {
				return fmt.Errorf("encoding attributes: %w", err)
			}
			attrs = encoded
		}
		batch.Queue(
			`INSERT INTO logs (app_id, ts, ingested_at, level, service, message, attributes, fingerprint, classification)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.AppID, r.Timestamp.UTC(), r.IngestedAt.UTC(), r.Level.String(),
			nullable(r.Service), r.Message, attrs, r.Fingerprint, nullable(r.Classification))
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting log batch: %w", err)
		}
	}
	return nil
}

// RecentErrors returns the newest ERROR and CRITICAL records.
func (s *Store) RecentErrors(ctx context.Context, appID string, limit int) ([]*logrecord.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT app_id, ts, ingested_at, level, COALESCE(service, ''), message,
		        attributes, fingerprint, COALESCE(classification, '')
		 FROM logs
		 WHERE app_id = $1 AND level IN ('ERROR', 'CRITICAL')
		 ORDER BY ingested_at DESC, id DESC
		 LIMIT $2`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent errors: %w", err)
	}
	defer rows.Close()

	var out []*logrecord.Record
	for rows.Next() {
		r := &logrecord.Record{}
		var level string
		var attrs []byte
		if err := rows.Scan(&r.AppID, &r.Timestamp, &r.IngestedAt, &level,
			&r.Service, &r.Message, &attrs, &r.Fingerprint, &r.Classification); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		parsed, err := logrecord.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("stored level %q: %w", level, err)
		}
		r.Level = parsed
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
