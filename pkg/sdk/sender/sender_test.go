// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sender

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/sdk/buffer"
)

// captureServer is a scripted ingest endpoint: it answers with the
// queued statuses, then 200 forever, and remembers every envelope.
type captureServer struct {
	mu        sync.Mutex
	statuses  []int
	envelopes []logrecord.Envelope
	ts        *httptest.Server
}

func newCaptureServer(t *testing.T, statuses ...int) *captureServer {
	t.Helper()
	c := &captureServer{statuses: statuses}
	c.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var env logrecord.Envelope
		require.NoError(t, json.Unmarshal(body, &env))

		c.mu.Lock()
		c.envelopes = append(c.envelopes, env)
		status := http.StatusOK
		if len(c.statuses) > 0 {
			status = c.statuses[0]
			c.statuses = c.statuses[1:]
		}
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(c.ts.Close)
	return c
}

func (c *captureServer) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envelopes)
}

func (c *captureServer) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, env := range c.envelopes {
		for _, r := range env.Logs {
			out = append(out, r.Message)
		}
	}
	return out
}

func testConfig(url string) Config {
	return Config{
		DSN:           url,
		APIKey:        "sk_abcdefghijklmnopqrstuvwxyz012345",
		BatchSize:     5,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   time.Second,
		BackoffBase:   time.Millisecond,
		BackoffCap:    4 * time.Millisecond,
		MaxFailures:   3,
	}
}

func push(b *buffer.Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Push(&logrecord.Record{
			Timestamp: time.Now(),
			Level:     logrecord.LevelInfo,
			Message:   fmt.Sprintf("m%d", i),
		})
	}
}

func TestDeliversWhenBatchFills(t *testing.T) {
	srv := newCaptureServer(t)
	buf := buffer.New(100, nil)
	s := New(testConfig(srv.ts.URL), buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 5)
	require.Eventually(t, func() bool { return srv.requests() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.delivered(), 5)
	assert.Equal(t, 0, buf.Len())

	env := srv.envelopes[0]
	assert.Equal(t, "sk_abcdefghijklmnopqrstuvwxyz012345", env.APIKey)
}

func TestDeliversOnFlushInterval(t *testing.T) {
	srv := newCaptureServer(t)
	buf := buffer.New(100, nil)
	s := New(testConfig(srv.ts.URL), buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 2) // below batch size
	require.Eventually(t, func() bool { return len(srv.delivered()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientErrorDropsWithoutRetry(t *testing.T) {
	srv := newCaptureServer(t, http.StatusBadRequest)
	buf := buffer.New(100, nil)
	s := New(testConfig(srv.ts.URL), buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 5)
	require.Eventually(t, func() bool { return srv.requests() == 1 }, 2*time.Second, 10*time.Millisecond)

	// No retry follows a non-429 4xx.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.requests())
	assert.Equal(t, 0, buf.Len())
}

func TestUnauthorizedParksFlusher(t *testing.T) {
	srv := newCaptureServer(t, http.StatusUnauthorized)
	buf := buffer.New(100, nil)
	s := New(testConfig(srv.ts.URL), buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 5)
	require.Eventually(t, func() bool { return srv.requests() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A revoked key is terminal: no retries and no further deliveries,
	// even for freshly buffered records or an explicit Flush.
	push(buf, 5)
	s.Flush()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.requests())
}

func TestServerErrorRetriesUntilSuccess(t *testing.T) {
	srv := newCaptureServer(t, http.StatusInternalServerError, http.StatusServiceUnavailable)
	buf := buffer.New(100, nil)
	s := New(testConfig(srv.ts.URL), buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 5)
	require.Eventually(t, func() bool { return srv.requests() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.delivered(), 15) // same 5 records seen three times
	assert.Equal(t, 0, buf.Len())
}

func TestGivesUpAfterMaxFailures(t *testing.T) {
	srv := newCaptureServer(t,
		http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	buf := buffer.New(100, nil)
	s := New(testConfig(srv.ts.URL), buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 5)
	require.Eventually(t, func() bool { return srv.requests() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return buf.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The batch was dropped after the third failure, not retried again.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, srv.requests())
}

func TestOversizeEnvelopeSplitsInHalf(t *testing.T) {
	srv := newCaptureServer(t, http.StatusRequestEntityTooLarge)
	buf := buffer.New(100, nil)
	cfg := testConfig(srv.ts.URL)
	cfg.BatchSize = 4
	s := New(cfg, buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 4)
	require.Eventually(t, func() bool { return srv.requests() == 3 }, 2*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Len(t, srv.envelopes[0].Logs, 4)
	assert.Len(t, srv.envelopes[1].Logs, 2)
	assert.Len(t, srv.envelopes[2].Logs, 2)
}

func TestFlushDrainsSynchronously(t *testing.T) {
	srv := newCaptureServer(t)
	buf := buffer.New(100, nil)
	cfg := testConfig(srv.ts.URL)
	cfg.FlushInterval = time.Hour // only Flush can trigger delivery
	s := New(cfg, buf, slog.Default())
	s.Start()
	defer s.Shutdown(time.Second)

	push(buf, 3)
	s.Flush()
	assert.Len(t, srv.delivered(), 3)
}

func TestShutdownPerformsFinalFlush(t *testing.T) {
	srv := newCaptureServer(t)
	buf := buffer.New(100, nil)
	cfg := testConfig(srv.ts.URL)
	cfg.FlushInterval = time.Hour
	s := New(cfg, buf, slog.Default())
	s.Start()

	push(buf, 3)
	s.Shutdown(time.Second)
	assert.Len(t, srv.delivered(), 3)
	assert.Equal(t, 0, buf.Len())
}
