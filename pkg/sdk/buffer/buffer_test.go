// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

func rec(msg string) *logrecord.Record {
	return &logrecord.Record{
		Timestamp: time.Now(),
		Level:     logrecord.LevelInfo,
		Message:   msg,
	}
}

func messages(records []*logrecord.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

func TestPushAndDrainFIFO(t *testing.T) {
	b := New(10, nil)
	for i := 0; i < 5; i++ {
		b.Push(rec(fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []string{"m0", "m1", "m2"}, messages(b.Drain(3)))
	assert.Equal(t, []string{"m3", "m4"}, messages(b.Drain(10)))
	assert.Nil(t, b.Drain(1))
}

func TestPushEvictsOldestOnOverflow(t *testing.T) {
	var droppedCalls int
	b := New(3, func(n int) { droppedCalls += n })
	for i := 0; i < 5; i++ {
		b.Push(rec(fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"m2", "m3", "m4"}, messages(b.Drain(3)))
	assert.Equal(t, 2, droppedCalls)
	assert.Equal(t, int64(2), b.Dropped())
}

func TestPushFrontKeepsRetryPosition(t *testing.T) {
	b := New(10, nil)
	b.Push(rec("new1"))
	b.Push(rec("new2"))

	b.PushFront([]*logrecord.Record{rec("retry1"), rec("retry2")})
	assert.Equal(t, []string{"retry1", "retry2", "new1", "new2"}, messages(b.Drain(10)))
}

func TestPushFrontOverflowEvictsNewestTail(t *testing.T) {
	b := New(3, nil)
	b.Push(rec("new1"))
	b.Push(rec("new2"))

	b.PushFront([]*logrecord.Record{rec("retry1"), rec("retry2")})
	got := messages(b.Drain(10))
	assert.Equal(t, []string{"retry1", "retry2", "new1"}, got)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestNotifySignalCoalesces(t *testing.T) {
	b := New(10, nil)
	b.Push(rec("a"))
	b.Push(rec("b"))

	select {
	case <-b.C():
	default:
		t.Fatal("expected a pending wakeup")
	}
	select {
	case <-b.C():
		t.Fatal("wakeups should coalesce into one")
	default:
	}
}

func TestOldestAge(t *testing.T) {
	b := New(10, nil)
	_, ok := b.OldestAge(time.Now())
	assert.False(t, ok)

	b.Push(rec("a"))
	age, ok := b.OldestAge(time.Now().Add(time.Second))
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, time.Second)
}

func TestConcurrentProducers(t *testing.T) {
	b := New(1000, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Push(rec("x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Len())
}
