// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package fingerprint derives stable identities for log records so
// that semantically equivalent records group together regardless of
// the variable tokens (ids, addresses, counts) embedded in them.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

// Placeholders substituted into normalized messages.
const (
	uuidPlaceholder  = "<uuid>"
	emailPlaceholder = "<email>"
	numPlaceholder   = "<num>"
)

var (
	uuidPattern  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	numPattern   = regexp.MustCompile(`\d+`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Normalize rewrites a log message into its stable shape: UUIDs,
// email-like tokens and numeric runs become placeholders, whitespace
// collapses to single spaces. UUIDs and emails are rewritten before
// numbers so their digits do not leak into <num> runs.
func Normalize(message string) string {
	s := uuidPattern.ReplaceAllString(message, uuidPlaceholder)
	s = emailPattern.ReplaceAllString(s, emailPlaceholder)
	s = numPattern.ReplaceAllString(s, numPlaceholder)
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Record computes the hex-encoded SHA-256 fingerprint of a record
// under the given app. The digest covers (app_id, level,
// normalized message, service) with field separators so that no two
// distinct tuples can collide by concatenation.
func Record(appID string, r *logrecord.Record) string {
	h := sha256.New()
	h.Write([]byte(appID))
	h.Write([]byte{0})
	h.Write([]byte(r.Level.String()))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(r.Message)))
	h.Write([]byte{0})
	h.Write([]byte(r.Service))
	return hex.EncodeToString(h.Sum(nil))
}
