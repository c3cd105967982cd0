// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package spool

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

func testRecord(i int) *logrecord.Record {
	return &logrecord.Record{
		AppID:     "app-1",
		Timestamp: time.Date(2025, 6, 1, 0, 0, i, 0, time.UTC),
		Level:     logrecord.LevelError,
		Message:   fmt.Sprintf("record %d", i),
	}
}

func TestAppendAndDrainFIFO(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	var in []*logrecord.Record
	for i := 0; i < 450; i++ {
		in = append(in, testRecord(i))
	}
	require.NoError(t, s.Append(in))
	assert.False(t, s.Empty())

	var out []*logrecord.Record
	var batches []int
	require.NoError(t, s.Drain(func(batch []*logrecord.Record) error {
		batches = append(batches, len(batch))
		out = append(out, batch...)
		return nil
	}))

	require.Len(t, out, 450)
	for i, r := range out {
		assert.Equal(t, fmt.Sprintf("record %d", i), r.Message)
	}
	// Batches are capped at 200.
	assert.Equal(t, []int{200, 200, 50}, batches)
	assert.True(t, s.Empty())
}

func TestDrainPreservesServerStamps(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	in := &logrecord.Record{
		Timestamp:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Level:          logrecord.LevelError,
		Message:        "payment failed",
		Service:        "billing",
		Attributes:     map[string]any{"order_id": "o-1"},
		AppID:          "app-1",
		Fingerprint:    "fp-1",
		IngestedAt:     time.Date(2025, 6, 1, 0, 0, 1, 0, time.UTC),
		Classification: "timeout_error",
	}
	require.NoError(t, s.Append([]*logrecord.Record{in}))

	var out []*logrecord.Record
	require.NoError(t, s.Drain(func(batch []*logrecord.Record) error {
		out = append(out, batch...)
		return nil
	}))
	require.Len(t, out, 1)

	got := out[0]
	assert.Equal(t, "app-1", got.AppID)
	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.Equal(t, "timeout_error", got.Classification)
	assert.True(t, in.IngestedAt.Equal(got.IngestedAt), "ingested_at lost in the round trip")
	assert.Equal(t, "billing", got.Service)
	assert.Equal(t, "o-1", got.Attributes["order_id"])
}

func TestDrainStopsOnSinkError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	require.NoError(t, err)

	var in []*logrecord.Record
	for i := 0; i < 10; i++ {
		in = append(in, testRecord(i))
	}
	require.NoError(t, s.Append(in))

	sinkErr := errors.New("store down")
	err = s.Drain(func([]*logrecord.Record) error { return sinkErr })
	assert.ErrorIs(t, err, sinkErr)

	// The backlog survives a failed drain and a reopen.
	reopened, err := Open(dir, 0)
	require.NoError(t, err)
	var out []*logrecord.Record
	require.NoError(t, reopened.Drain(func(batch []*logrecord.Record) error {
		out = append(out, batch...)
		return nil
	}))
	assert.Len(t, out, 10)
}

func TestCapDropsOldestSegment(t *testing.T) {
	// Cap small enough that two big appends overflow it.
	s, err := Open(t.TempDir(), 6<<20)
	require.NoError(t, err)

	big := strings.Repeat("x", 8*1024)
	// Each record ~8 KiB; 512 records ≈ 4 MiB forces a rotation.
	write := func(tag string) {
		var batch []*logrecord.Record
		for i := 0; i < 512; i++ {
			batch = append(batch, &logrecord.Record{
				AppID:     "app-1",
				Timestamp: time.Now(),
				Level:     logrecord.LevelError,
				Message:   tag + big,
			})
		}
		require.NoError(t, s.Append(batch))
	}
	write("first-")
	write("second-")

	assert.LessOrEqual(t, s.Size(), int64(6<<20))

	var out []*logrecord.Record
	require.NoError(t, s.Drain(func(batch []*logrecord.Record) error {
		out = append(out, batch...)
		return nil
	}))
	require.NotEmpty(t, out)
	// The oldest records were dropped; the newest survive.
	assert.True(t, strings.HasPrefix(out[len(out)-1].Message, "second-"))
}

func TestReopenResumesSequence(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.Append([]*logrecord.Record{testRecord(0)}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, 0)
	require.NoError(t, err)
	require.NoError(t, reopened.Append([]*logrecord.Record{testRecord(1)}))

	var out []*logrecord.Record
	require.NoError(t, reopened.Drain(func(batch []*logrecord.Record) error {
		out = append(out, batch...)
		return nil
	}))
	require.Len(t, out, 2)
	assert.Equal(t, "record 0", out[0].Message)
	assert.Equal(t, "record 1", out[1].Message)
}
