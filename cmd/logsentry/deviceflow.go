// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/logsentry/logsentry/pkg/deviceauth"
	"github.com/logsentry/logsentry/pkg/sdk/credentials"
)

// deviceFlow drives the CLI side of the onboarding handshake.
type deviceFlow struct {
	out      io.Writer
	server   string
	credPath string
	timeout  time.Duration
	// interval overrides the server-advertised poll spacing when set.
	interval time.Duration
	client   *http.Client
}

func (f *deviceFlow) httpClient() *http.Client {
	if f.client == nil {
		f.client = &http.Client{Timeout: 10 * time.Second}
	}
	return f.client
}

// login runs start, prints the user code, polls until approval and
// writes the credentials file.
func (f *deviceFlow) login(ctx context.Context, appName, description string) error {
	start, err := f.start(ctx, appName, description)
	if err != nil {
		return err
	}

	fmt.Fprintf(f.out, "Open %s and enter the code:\n\n    %s\n\n", start.VerificationURL, start.UserCode)
	fmt.Fprintln(f.out, "Waiting for approval...")

	interval := f.interval
	if interval <= 0 {
		interval = time.Duration(start.PollIntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(f.timeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for approval")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		poll, status, err := f.poll(ctx, start.DeviceCode)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusAccepted:
			continue
		case status == http.StatusTooManyRequests:
			continue
		case status == http.StatusOK && poll.Status == deviceauth.StatusOK:
			creds := &credentials.Credentials{
				APIKey:  poll.APIKey,
				DSN:     poll.DSN,
				AppID:   poll.AppID,
				AppName: appName,
			}
			if err := credentials.SaveTo(f.credPath, creds); err != nil {
				return err
			}
			fmt.Fprintf(f.out, "Logged in. App %q is ready; credentials written to %s\n", appName, f.credPath)
			return nil
		case status == http.StatusGone:
			return fmt.Errorf("session %s; run login again", poll.Status)
		default:
			return fmt.Errorf("unexpected poll response: %d", status)
		}
	}
}

func (f *deviceFlow) start(ctx context.Context, appName, description string) (*deviceauth.StartResult, error) {
	body, err := json.Marshal(map[string]string{"app_name": appName, "description": description})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(f.server, "/")+"/sdk/device/start", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := f.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting server: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("start failed with status %d", res.StatusCode)
	}
	var start deviceauth.StartResult
	if err := json.NewDecoder(res.Body).Decode(&start); err != nil {
		return nil, fmt.Errorf("decoding start response: %w", err)
	}
	return &start, nil
}

func (f *deviceFlow) poll(ctx context.Context, deviceCode string) (*deviceauth.PollResult, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(f.server, "/")+"/sdk/device/poll?device_code="+deviceCode, nil)
	if err != nil {
		return nil, 0, err
	}
	res, err := f.httpClient().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("polling server: %w", err)
	}
	defer res.Body.Close()

	var poll deviceauth.PollResult
	if err := json.NewDecoder(res.Body).Decode(&poll); err != nil {
		return nil, res.StatusCode, fmt.Errorf("decoding poll response: %w", err)
	}
	return &poll, res.StatusCode, nil
}
