// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package credentials reads and writes the user-scoped credentials
// file shared by the CLI (writer) and the SDK (reader).
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no credentials file exists.
var ErrNotFound = errors.New("no credentials file")

// Credentials is the on-disk document written after a device flow.
type Credentials struct {
	APIKey  string `json:"api_key"`
	DSN     string `json:"dsn"`
	AppID   string `json:"app_id"`
	AppName string `json:"app_name"`
}

// Path returns the credentials file location under the user's home.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".logsentry", "credentials.json"), nil
}

// Load reads the credentials file from the default path.
func Load() (*Credentials, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a credentials file from an explicit path.
func LoadFrom(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if c.APIKey == "" {
		return nil, fmt.Errorf("credentials file has no api_key")
	}
	return &c, nil
}

// Save writes the credentials to the default path with 0600 perms.
func Save(c *Credentials) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, c)
}

// SaveTo writes the credentials to an explicit path, creating the
// parent directory when needed.
func SaveTo(path string, c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}
