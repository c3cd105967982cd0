// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package deviceauth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/keys"
	"github.com/logsentry/logsentry/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *clock.Mock) {
	t.Helper()
	st := store.NewMemoryStore()
	registry, err := keys.NewRegistry(st, keys.NewHasher("test-pepper"))
	require.NoError(t, err)
	svc := NewService(st, registry, "https://dash.example.com/device", "https://ingest.example.com", zap.NewNop())
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	svc.SetClock(mock)
	return svc, st, mock
}

func TestStartGeneratesCodes(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.Start(context.Background(), "checkout", "prod checkout service")
	require.NoError(t, err)

	assert.Len(t, res.UserCode, userCodeLength)
	for _, c := range res.UserCode {
		assert.Contains(t, userCodeAlphabet, string(c))
	}
	assert.NotEmpty(t, res.DeviceCode)
	assert.NotContains(t, res.DeviceCode, "=")
	assert.Equal(t, "https://dash.example.com/device", res.VerificationURL)
	assert.Equal(t, PollIntervalSeconds, res.PollIntervalSeconds)
}

func TestStartRequiresAppName(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Start(context.Background(), "", "")
	assert.Error(t, err)
}

func TestPollPendingThenCredentialsOnce(t *testing.T) {
	svc, _, mock := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)

	poll, err := svc.Poll(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, poll.Status)
	assert.Empty(t, poll.APIKey)

	appID, err := svc.Complete(context.Background(), res.UserCode, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, appID)

	mock.Add(PollIntervalSeconds * time.Second)
	poll, err = svc.Poll(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, poll.Status)
	assert.True(t, strings.HasPrefix(poll.APIKey, keys.Prefix))
	assert.Equal(t, appID, poll.AppID)
	assert.Equal(t, "https://ingest.example.com", poll.DSN)

	// The plaintext is handed out exactly once.
	mock.Add(PollIntervalSeconds * time.Second)
	poll, err = svc.Poll(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, poll.Status)
	assert.Empty(t, poll.APIKey)
}

func TestIssuedKeyAuthorizesIngest(t *testing.T) {
	svc, st, mock := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)

	appID, err := svc.Complete(context.Background(), res.UserCode, "user-1")
	require.NoError(t, err)

	mock.Add(PollIntervalSeconds * time.Second)
	poll, err := svc.Poll(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, StatusOK, poll.Status)

	registry, err := keys.NewRegistry(st, keys.NewHasher("test-pepper"))
	require.NoError(t, err)
	got, err := registry.Authorize(context.Background(), poll.APIKey)
	require.NoError(t, err)
	assert.Equal(t, appID, got)
}

func TestCompleteReusesExistingApp(t *testing.T) {
	svc, st, _ := newTestService(t)

	first, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)
	appID1, err := svc.Complete(context.Background(), first.UserCode, "user-1")
	require.NoError(t, err)

	second, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)
	appID2, err := svc.Complete(context.Background(), second.UserCode, "user-1")
	require.NoError(t, err)

	assert.Equal(t, appID1, appID2)
	app, err := st.GetApp(context.Background(), appID1)
	require.NoError(t, err)
	assert.Equal(t, "user-1", app.OwnerID)
}

func TestCompleteUnknownOrDoneSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "NOSUCHCODE", "user-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Complete(context.Background(), res.UserCode, "user-1")
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), res.UserCode, "user-1")
	assert.ErrorIs(t, err, ErrSessionGone)
}

func TestExpiredSessionCannotComplete(t *testing.T) {
	svc, _, mock := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)

	mock.Add(SessionTTL + time.Second)
	_, err = svc.Complete(context.Background(), res.UserCode, "user-1")
	assert.ErrorIs(t, err, ErrSessionGone)

	poll, err := svc.Poll(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, poll.Status)
}

func TestPollUnknownDeviceCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Poll(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPollRateLimit(t *testing.T) {
	svc, _, mock := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)

	_, err = svc.Poll(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	_, err = svc.Poll(context.Background(), res.DeviceCode)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Codes are limited independently.
	other, err := svc.Start(context.Background(), "billing", "")
	require.NoError(t, err)
	_, err = svc.Poll(context.Background(), other.DeviceCode)
	assert.NoError(t, err)

	// After the advertised interval the original code polls again.
	mock.Add(PollIntervalSeconds * time.Second)
	_, err = svc.Poll(context.Background(), res.DeviceCode)
	assert.NoError(t, err)
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	svc, st, mock := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)

	mock.Add(SessionTTL + time.Second)
	svc.Sweep(context.Background())

	session, err := st.SessionByDeviceCode(context.Background(), res.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, store.SessionExpired, session.Status)
}

func TestJanitorSweepsOnTicks(t *testing.T) {
	svc, st, mock := newTestService(t)
	res, err := svc.Start(context.Background(), "checkout", "")
	require.NoError(t, err)
	mock.Add(SessionTTL + time.Second)

	j := NewJanitor(svc)
	j.SetInterval(5 * time.Millisecond)
	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool {
		session, err := st.SessionByDeviceCode(context.Background(), res.DeviceCode)
		return err == nil && session.Status == store.SessionExpired
	}, 2*time.Second, 5*time.Millisecond)
}
