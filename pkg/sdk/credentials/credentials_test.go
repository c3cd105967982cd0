// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package credentials

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	in := &Credentials{
		APIKey:  "sk_abcdefghijklmnopqrstuvwxyz012345",
		DSN:     "https://ingest.example.com",
		AppID:   "app-1",
		AppName: "checkout",
	}
	require.NoError(t, SaveTo(path, in))

	out, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsEmptyKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dsn":"x"}`), 0o600))
	_, err := LoadFrom(path)
	assert.ErrorContains(t, err, "api_key")
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	_, err := LoadFrom(path)
	assert.Error(t, err)
}
