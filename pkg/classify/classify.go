// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package classify calls the external log classifier. Classification
// is best-effort everywhere: callers treat any error as "leave the
// batch unclassified" and move on.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

// DefaultTimeout bounds a single classifier call.
const DefaultTimeout = 2 * time.Second

// DefaultConcurrency bounds classifier calls across all processors.
const DefaultConcurrency = 16

// Classifier assigns classifications to a batch of records in place.
type Classifier interface {
	Classify(ctx context.Context, records []*logrecord.Record) error
}

// Noop leaves every record unclassified. Used when no classifier
// endpoint is configured.
type Noop struct{}

// Classify implements Classifier.
func (Noop) Classify(context.Context, []*logrecord.Record) error { return nil }

// HTTPClassifier calls a JSON-over-HTTP classifier service.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTP returns a classifier client for the given base URL.
func NewHTTP(baseURL string) *HTTPClassifier {
	return &HTTPClassifier{
		url:    baseURL + "/classify",
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

type classifyRequest struct {
	Logs []*logrecord.Record `json:"logs"`
}

type classifyResponse struct {
	Classifications []string `json:"classifications"`
}

// Classify implements Classifier. The response carries one
// classification per input record, positionally.
func (c *HTTPClassifier) Classify(ctx context.Context, records []*logrecord.Record) error {
	body, err := json.Marshal(classifyRequest{Logs: records})
	if err != nil {
		return fmt.Errorf("encoding classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding classify response: %w", err)
	}
	if len(parsed.Classifications) != len(records) {
		return fmt.Errorf("classifier returned %d classifications for %d records",
			len(parsed.Classifications), len(records))
	}
	for i, r := range records {
		r.Classification = parsed.Classifications[i]
	}
	return nil
}

// Limited wraps a Classifier with a global concurrency cap so a slow
// classifier cannot absorb every processor goroutine at once.
type Limited struct {
	inner Classifier
	slots chan struct{}
}

// NewLimited caps concurrent calls to inner at n.
func NewLimited(inner Classifier, n int) *Limited {
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &Limited{inner: inner, slots: make(chan struct{}, n)}
}

// Classify implements Classifier. Waiting for a slot counts against
// the caller's context deadline.
func (l *Limited) Classify(ctx context.Context, records []*logrecord.Record) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slots }()
	return l.inner.Classify(ctx, records)
}
