// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package logrecord defines the log record model shared by the SDK and
// the ingestion server, along with its wire encoding and validation.
package logrecord

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// Limits enforced on individual records and ingest envelopes.
const (
	// MaxMessageBytes is the cap on a record message; longer messages
	// are truncated at capture, never rejected.
	MaxMessageBytes = 16 * 1024
	// MaxAttributes is the cap on the number of attribute entries.
	MaxAttributes = 32
	// MaxAttributesBytes is the cap on the serialized attribute map.
	MaxAttributesBytes = 4 * 1024
	// MaxRecordBytes is the cap on a whole serialized record.
	MaxRecordBytes = 32 * 1024
	// MaxBatchRecords is the cap on records per ingest envelope.
	MaxBatchRecords = 1000
	// MaxEnvelopeBytes is the cap on a serialized ingest envelope.
	MaxEnvelopeBytes = 1 << 20
)

// Validation errors.
var (
	ErrNoTimestamp       = errors.New("record has no timestamp")
	ErrInvalidLevel      = errors.New("record level is not in the canonical enum")
	ErrTooManyAttributes = errors.New("record exceeds the attribute entry limit")
	ErrNestedAttribute   = errors.New("record attribute is not a scalar")
	ErrAttributesTooBig  = errors.New("record attributes exceed the serialized size limit")
	ErrRecordTooBig      = errors.New("record exceeds the serialized size limit")
)

// Record is a single structured log record. The SDK populates the
// capture fields; the server stamps AppID, Fingerprint and IngestedAt
// during ingest, and the per-app processor may add a Classification.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      Level          `json:"level"`
	Message    string         `json:"message"`
	Service    string         `json:"service,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	AppID          string    `json:"app_id,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	IngestedAt     time.Time `json:"ingested_at,omitempty"`
	Classification string    `json:"classification,omitempty"`
}

// Envelope is the body of POST /ingest.
type Envelope struct {
	APIKey string   `json:"api_key"`
	Logs   []Record `json:"logs"`
}

type wireRecord struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	Level      Level           `json:"level"`
	Message    string          `json:"message"`
	Service    string          `json:"service"`
	Attributes map[string]any  `json:"attributes"`
}

// UnmarshalJSON accepts timestamps as RFC 3339 strings or epoch seconds
// (integer or fractional), the two encodings emitted by SDKs.
func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	r.Timestamp = ts
	r.Level = w.Level
	r.Message = w.Message
	r.Service = w.Service
	r.Attributes = w.Attributes
	return nil
}

// MarshalJSON emits the capture fields plus any server-side stamps that
// have been set. Timestamps are RFC 3339 with nanoseconds.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias struct {
		Timestamp      string         `json:"timestamp"`
		Level          Level          `json:"level"`
		Message        string         `json:"message"`
		Service        string         `json:"service,omitempty"`
		Attributes     map[string]any `json:"attributes,omitempty"`
		AppID          string         `json:"app_id,omitempty"`
		Fingerprint    string         `json:"fingerprint,omitempty"`
		IngestedAt     string         `json:"ingested_at,omitempty"`
		Classification string         `json:"classification,omitempty"`
	}
	a := alias{
		Timestamp:      r.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:          r.Level,
		Message:        r.Message,
		Service:        r.Service,
		Attributes:     r.Attributes,
		AppID:          r.AppID,
		Fingerprint:    r.Fingerprint,
		Classification: r.Classification,
	}
	if !r.IngestedAt.IsZero() {
		a.IngestedAt = r.IngestedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(a)
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, ErrNoTimestamp
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return ts, nil
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s: %w", raw, err)
	}
	if secs < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp %s", raw)
	}
	sec, frac := int64(secs), secs-float64(int64(secs))
	return time.Unix(sec, int64(frac*float64(time.Second))).UTC(), nil
}

// Validate checks the record invariants: a timestamp is present, the
// level is canonical, attributes are flat scalars within bounds, and
// the whole serialized record fits the size cap. Oversize messages are
// not an error here because Truncate runs first at capture; a record
// arriving oversize at the server is rejected by the caller using
// ErrRecordTooBig.
func (r *Record) Validate() error {
	if r.Timestamp.IsZero() {
		return ErrNoTimestamp
	}
	if !r.Level.IsValid() {
		return ErrInvalidLevel
	}
	if len(r.Attributes) > MaxAttributes {
		return ErrTooManyAttributes
	}
	for key, value := range r.Attributes {
		if !isScalar(value) {
			return fmt.Errorf("%w: %q", ErrNestedAttribute, key)
		}
	}
	if len(r.Attributes) > 0 {
		encoded, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("attributes not serializable: %w", err)
		}
		if len(encoded) > MaxAttributesBytes {
			return ErrAttributesTooBig
		}
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("record not serializable: %w", err)
	}
	if len(encoded) > MaxRecordBytes {
		return ErrRecordTooBig
	}
	return nil
}

// Truncate clips the message to MaxMessageBytes on a rune boundary.
// Truncation is the only silent mutation permitted on a record.
func (r *Record) Truncate() {
	if len(r.Message) <= MaxMessageBytes {
		return
	}
	cut := MaxMessageBytes
	for cut > 0 && !utf8.RuneStart(r.Message[cut]) {
		cut--
	}
	r.Message = r.Message[:cut]
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	default:
		return false
	}
}
