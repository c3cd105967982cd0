// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sdk

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

type ingestCapture struct {
	mu        sync.Mutex
	envelopes []logrecord.Envelope
	ts        *httptest.Server
}

func newIngestCapture(t *testing.T) *ingestCapture {
	t.Helper()
	c := &ingestCapture{}
	c.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var env logrecord.Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		c.mu.Lock()
		c.envelopes = append(c.envelopes, env)
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(env.Logs)})
	}))
	t.Cleanup(c.ts.Close)
	return c
}

func (c *ingestCapture) messages() []string {
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

// resetDefaultLogger restores the process logger after a test that
// installs the tap.
func resetDefaultLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() {
		Shutdown(time.Second)
		mu.Lock()
		baseHandler = nil
		mu.Unlock()
		slog.SetDefault(prev)
	})
}

func TestInitCapturesDefaultLogger(t *testing.T) {
	resetDefaultLogger(t)
	capture := newIngestCapture(t)

	client, err := Init(Options{
		APIKey:        testKey,
		DSN:           capture.ts.URL,
		Service:       "checkout",
		FlushInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Shutdown(time.Second)

	slog.Info("order placed", slog.String("order_id", "o-1"))

	require.Eventually(t, func() bool {
		return len(capture.messages()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"order placed"}, capture.messages())

	capture.mu.Lock()
	rec := capture.envelopes[0].Logs[0]
	capture.mu.Unlock()
	assert.Equal(t, "checkout", rec.Service)
	assert.Equal(t, logrecord.LevelInfo, rec.Level)
	assert.Equal(t, "o-1", rec.Attributes["order_id"])
}

func TestInitOverBuiltinDefaultNeverBlocks(t *testing.T) {
	resetDefaultLogger(t)
	capture := newIngestCapture(t)

	// No Logger option and no prior SetDefault: the captured base is
	// slog's built-in handler, which shares the log package's Logger.
	client, err := Init(Options{
		APIKey:        testKey,
		DSN:           capture.ts.URL,
		FlushInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Shutdown(time.Second)

	done := make(chan struct{})
	go func() {
		slog.Info("captured record")
		log.Print("host log line") // routed through the tap by slog.SetDefault
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging through the installed tap blocked")
	}

	require.Eventually(t, func() bool {
		return len(capture.messages()) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, capture.messages(), "captured record")
}

func TestInitFailsWithoutCredentials(t *testing.T) {
	t.Setenv("LOGSENTRY_API_KEY", "")
	t.Setenv("HOME", t.TempDir()) // no credentials file in sight
	_, err := Init(Options{})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestInitIsIdempotent(t *testing.T) {
	resetDefaultLogger(t)
	capture := newIngestCapture(t)

	_, err := Init(Options{APIKey: testKey, DSN: capture.ts.URL, FlushInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	client, err := Init(Options{APIKey: testKey, DSN: capture.ts.URL, FlushInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	defer client.Shutdown(time.Second)

	// A single tap: the record is delivered exactly once.
	slog.Info("only once")
	require.Eventually(t, func() bool {
		return len(capture.messages()) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"only once"}, capture.messages())
}

func TestFlushDeliversBufferedRecords(t *testing.T) {
	resetDefaultLogger(t)
	capture := newIngestCapture(t)

	client, err := Init(Options{APIKey: testKey, DSN: capture.ts.URL, FlushInterval: 60 * time.Second})
	require.NoError(t, err)
	defer client.Shutdown(time.Second)

	slog.Info("buffered one")
	slog.Info("buffered two")
	client.Flush()

	assert.Equal(t, []string{"buffered one", "buffered two"}, capture.messages())
}

func TestShutdownUninstallsTap(t *testing.T) {
	resetDefaultLogger(t)
	capture := newIngestCapture(t)

	client, err := Init(Options{APIKey: testKey, DSN: capture.ts.URL, FlushInterval: 60 * time.Second})
	require.NoError(t, err)

	slog.Info("before shutdown")
	client.Shutdown(time.Second)
	slog.Info("after shutdown") // tap removed, not captured

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"before shutdown"}, capture.messages())
}
