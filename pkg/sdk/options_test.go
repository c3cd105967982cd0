// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sdk

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/logsentry/pkg/sdk/credentials"
)

const testKey = "sk_abcdefghijklmnopqrstuvwxyz012345"

func writeCreds(t *testing.T, c *credentials.Credentials) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, credentials.SaveTo(path, c))
	return path
}

func TestResolveExplicitKeyWins(t *testing.T) {
	t.Setenv("LOGSENTRY_API_KEY", "sk_fromenvfromenvfromenvfromenv0000")
	path := writeCreds(t, &credentials.Credentials{APIKey: "sk_fromfilefromfilefromfilefrom00", DSN: "https://file.example.com"})

	r, err := Options{APIKey: testKey, CredentialsPath: path}.resolve()
	require.NoError(t, err)
	assert.Equal(t, testKey, r.apiKey)
}

func TestResolveEnvBeatsFile(t *testing.T) {
	t.Setenv("LOGSENTRY_API_KEY", testKey)
	path := writeCreds(t, &credentials.Credentials{APIKey: "sk_fromfilefromfilefromfilefrom00"})

	r, err := Options{CredentialsPath: path}.resolve()
	require.NoError(t, err)
	assert.Equal(t, testKey, r.apiKey)
}

func TestResolveFallsBackToFile(t *testing.T) {
	t.Setenv("LOGSENTRY_API_KEY", "")
	path := writeCreds(t, &credentials.Credentials{APIKey: testKey, DSN: "https://file.example.com"})

	r, err := Options{CredentialsPath: path}.resolve()
	require.NoError(t, err)
	assert.Equal(t, testKey, r.apiKey)
	assert.Equal(t, "https://file.example.com", r.dsn)
}

func TestResolveMissingCredentials(t *testing.T) {
	t.Setenv("LOGSENTRY_API_KEY", "")
	_, err := Options{CredentialsPath: filepath.Join(t.TempDir(), "absent.json")}.resolve()
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestResolveRejectsBadPrefix(t *testing.T) {
	_, err := Options{APIKey: "pk_wrongprefix"}.resolve()
	assert.ErrorContains(t, err, "sk_")
}

func TestResolveClampsTunables(t *testing.T) {
	r, err := Options{
		APIKey:        testKey,
		BatchSize:     5000,
		FlushInterval: 5 * time.Millisecond,
	}.resolve()
	require.NoError(t, err)
	assert.Equal(t, 1000, r.batchSize)
	assert.Equal(t, 100*time.Millisecond, r.flushInterval)
	assert.Equal(t, 10000, r.maxBuffer) // 10x the clamped batch size
}

func TestResolveEnvTunables(t *testing.T) {
	t.Setenv("LOGSENTRY_BATCH_SIZE", "20")
	t.Setenv("LOGSENTRY_FLUSH_INTERVAL", "0.5")
	t.Setenv("LOGSENTRY_MAX_BUFFER", "77")
	t.Setenv("LOGSENTRY_URL", "https://env.example.com/")

	r, err := Options{APIKey: testKey}.resolve()
	require.NoError(t, err)
	assert.Equal(t, 20, r.batchSize)
	assert.Equal(t, 500*time.Millisecond, r.flushInterval)
	assert.Equal(t, 77, r.maxBuffer)
	assert.Equal(t, "https://env.example.com", r.dsn)
}

func TestResolveDefaults(t *testing.T) {
	t.Setenv("LOGSENTRY_URL", "")
	t.Setenv("LOGSENTRY_BATCH_SIZE", "")
	t.Setenv("LOGSENTRY_FLUSH_INTERVAL", "")
	t.Setenv("LOGSENTRY_MAX_BUFFER", "")

	r, err := Options{APIKey: testKey}.resolve()
	require.NoError(t, err)
	assert.Equal(t, defaultBatchSize, r.batchSize)
	assert.Equal(t, defaultFlushEvery, r.flushInterval)
	assert.Equal(t, defaultBufferFactor*defaultBatchSize, r.maxBuffer)
	assert.Equal(t, DefaultDSN, r.dsn)
}
