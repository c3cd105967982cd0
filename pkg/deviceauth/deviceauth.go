// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package deviceauth implements the out-of-band onboarding handshake
// that binds an SDK instance to a tenant-owned app and issues its
// ingest key. The flow is a polling handshake modeled loosely on
// RFC 8628: start creates a session, the browser-side complete step
// approves it, and the CLI polls until the credentials come back.
package deviceauth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/logsentry/logsentry/pkg/keys"
	"github.com/logsentry/logsentry/pkg/metrics"
	"github.com/logsentry/logsentry/pkg/store"
)

const (
	// SessionTTL is how long a session stays completable.
	SessionTTL = 10 * time.Minute
	// PollIntervalSeconds is the advertised minimum poll spacing.
	PollIntervalSeconds = 2
	// userCodeAlphabet has no vowels and no look-alike characters so
	// codes survive being read aloud or retyped.
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXYZ"
	// userCodeLength is the number of characters in a user code.
	userCodeLength = 8
)

// Protocol errors, mapped to status codes by the HTTP layer.
var (
	ErrSessionNotFound = errors.New("device session not found")
	ErrSessionGone     = errors.New("device session expired or not completable")
	ErrRateLimited     = errors.New("polling faster than the advertised interval")
)

// Poll statuses returned to the CLI.
const (
	StatusPending  = "pending"
	StatusExpired  = "expired"
	StatusOK       = "ok"
	StatusConsumed = "consumed"
)

// StartResult is the response of the start step.
type StartResult struct {
	DeviceCode          string `json:"device_code"`
	UserCode            string `json:"user_code"`
	VerificationURL     string `json:"verification_url"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// PollResult is the response of the poll step. APIKey is populated on
// the single successful read only.
type PollResult struct {
	Status string `json:"status"`
	APIKey string `json:"api_key,omitempty"`
	AppID  string `json:"app_id,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// Service implements the device-authorization protocol over the store.
type Service struct {
	store           store.Store
	registry        *keys.Registry
	verificationURL string
	dsn             string
	clock           clock.Clock
	log             *zap.Logger

	mu       sync.Mutex
	limiters map[string]*pollLimiter
}

type pollLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewService builds the protocol service. verificationURL is the
// browser page where users enter their code; dsn is the ingest base
// URL advertised to freshly onboarded SDKs.
func NewService(st store.Store, registry *keys.Registry, verificationURL, dsn string, log *zap.Logger) *Service {
	return &Service{
		store:           st,
		registry:        registry,
		verificationURL: verificationURL,
		dsn:             dsn,
		clock:           clock.New(),
		log:             log,
		limiters:        make(map[string]*pollLimiter),
	}
}

// SetClock replaces the wall clock. Test hook.
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// Start creates a pending session and returns the codes the CLI needs.
func (s *Service) Start(ctx context.Context, appName, description string) (*StartResult, error) {
	if appName == "" {
		return nil, errors.New("app_name is required")
	}
	deviceCode, err := newDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	session := &store.DeviceSession{
		ID:          uuid.NewString(),
		DeviceCode:  deviceCode,
		UserCode:    userCode,
		Status:      store.SessionPending,
		AppName:     appName,
		Description: description,
		ExpiresAt:   now.Add(SessionTTL),
		CreatedAt:   now,
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		return nil, fmt.Errorf("inserting device session: %w", err)
	}
	metrics.SessionsStarted.Add(1)
	metrics.TlmSessions.WithLabelValues("started").Inc()
	s.log.Info("device session started", zap.String("app_name", appName), zap.String("user_code", userCode))
	return &StartResult{
		DeviceCode:          deviceCode,
		UserCode:            userCode,
		VerificationURL:     s.verificationURL,
		PollIntervalSeconds: PollIntervalSeconds,
	}, nil
}

// Complete approves a pending session on behalf of an authenticated
// user: it creates or reuses the user's app, mints the ingest key, and
// parks the plaintext on the session for the CLI's next poll.
func (s *Service) Complete(ctx context.Context, userCode, userID string) (string, error) {
	session, err := s.store.SessionByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	now := s.clock.Now().UTC()
	if session.Status != store.SessionPending || now.After(session.ExpiresAt) {
		return "", ErrSessionGone
	}

	app, err := s.store.GetOrCreateApp(ctx, userID, session.AppName)
	if err != nil {
		return "", fmt.Errorf("resolving app %q: %w", session.AppName, err)
	}
	plaintext, err := s.registry.Issue(ctx, app.ID)
	if err != nil {
		return "", err
	}

	session.Status = store.SessionCompleted
	session.UserID = userID
	session.AppID = app.ID
	session.APIKeyPlaintext = plaintext
	session.ApprovedAt = &now
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return "", fmt.Errorf("completing device session: %w", err)
	}
	metrics.SessionsCompleted.Add(1)
	metrics.TlmSessions.WithLabelValues("completed").Inc()
	s.log.Info("device session completed", zap.String("app_id", app.ID), zap.String("app_name", session.AppName))
	return app.ID, nil
}

// Poll reports the session state to the CLI. Reading the credentials
// is side-effectful: the first poll after completion returns the
// plaintext key and clears it atomically; later polls see "consumed".
func (s *Service) Poll(ctx context.Context, deviceCode string) (*PollResult, error) {
	if !s.allowPoll(deviceCode) {
		return nil, ErrRateLimited
	}
	session, err := s.store.SessionByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	now := s.clock.Now().UTC()
	switch {
	case session.Status == store.SessionExpired || now.After(session.ExpiresAt):
		return &PollResult{Status: StatusExpired}, nil
	case session.Status == store.SessionPending || session.Status == store.SessionApproved:
		return &PollResult{Status: StatusPending}, nil
	case session.Status == store.SessionCompleted:
		consumed, plaintext, err := s.store.ConsumeSessionKey(ctx, deviceCode)
		if err != nil {
			if errors.Is(err, store.ErrKeyConsumed) {
				return &PollResult{Status: StatusConsumed}, nil
			}
			return nil, err
		}
		return &PollResult{
			Status: StatusOK,
			APIKey: plaintext,
			AppID:  consumed.AppID,
			DSN:    s.dsn,
		}, nil
	default:
		return &PollResult{Status: StatusExpired}, nil
	}
}

// allowPoll enforces one poll per advertised interval per device code.
func (s *Service) allowPoll(deviceCode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.limiters[deviceCode]
	if !ok {
		pl = &pollLimiter{limiter: rate.NewLimiter(rate.Every(PollIntervalSeconds*time.Second), 1)}
		s.limiters[deviceCode] = pl
	}
	pl.lastSeen = s.clock.Now()
	return pl.limiter.AllowN(pl.lastSeen, 1)
}

// Sweep expires overdue sessions and forgets idle poll limiters. Run
// by the janitor.
func (s *Service) Sweep(ctx context.Context) {
	now := s.clock.Now().UTC()
	swept, err := s.store.ExpireSessions(ctx, now)
	if err != nil {
		s.log.Warn("session sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		metrics.SessionsExpired.Add(int64(swept))
		metrics.TlmSessions.WithLabelValues("expired").Add(float64(swept))
		s.log.Info("expired device sessions", zap.Int("count", swept))
	}

	s.mu.Lock()
	for code, pl := range s.limiters {
		if now.Sub(pl.lastSeen) > SessionTTL+SessionTTL/2 {
			delete(s.limiters, code)
		}
	}
	s.mu.Unlock()
}

func newDeviceCode() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating device code: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func newUserCode() (string, error) {
	out := make([]byte, userCodeLength)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating user code: %w", err)
		}
		out[i] = userCodeAlphabet[n.Int64()]
	}
	return string(out), nil
}
