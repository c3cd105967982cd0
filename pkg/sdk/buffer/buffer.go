// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package buffer holds captured records between the host's log calls
// and the background flusher. Producers never block: on overflow the
// oldest record is evicted.
package buffer

import (
	"sync"
	"time"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

type entry struct {
	record   *logrecord.Record
	queuedAt time.Time
}

// Buffer is a bounded FIFO of records. Push is non-blocking and
// drop-oldest; PushFront reinserts a failed batch at the head so
// retries keep their queue position.
type Buffer struct {
	mu      sync.Mutex
	entries []entry
	max     int
	dropped int64

	// notify carries at most one pending wakeup for the flusher.
	notify chan struct{}
	// onDrop observes evictions; may be nil. Called without the lock.
	onDrop func(n int)
}

// New builds a buffer capped at max records.
func New(max int, onDrop func(n int)) *Buffer {
	if max < 1 {
		max = 1
	}
	return &Buffer{
		max:    max,
		notify: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// C signals that the buffer has grown. The flusher selects on it.
func (b *Buffer) C() <-chan struct{} { return b.notify }

// Push appends one record, evicting the oldest when full.
func (b *Buffer) Push(r *logrecord.Record) {
	b.mu.Lock()
	var evicted int
	if len(b.entries) >= b.max {
		b.entries = b.entries[1:]
		b.dropped++
		evicted = 1
	}
	b.entries = append(b.entries, entry{record: r, queuedAt: time.Now()})
	b.mu.Unlock()

	if evicted > 0 && b.onDrop != nil {
		b.onDrop(evicted)
	}
	b.signal()
}

// PushFront reinserts a batch at the head of the queue. The batch
// keeps its position for the next drain; if the reinsert overflows the
// cap, the newest records at the tail are evicted instead of the
// retried ones.
func (b *Buffer) PushFront(batch []*logrecord.Record) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	head := make([]entry, 0, len(batch)+len(b.entries))
	now := time.Now()
	for _, r := range batch {
		head = append(head, entry{record: r, queuedAt: now})
	}
	head = append(head, b.entries...)
	var evicted int
	if len(head) > b.max {
		evicted = len(head) - b.max
		head = head[:b.max]
		b.dropped += int64(evicted)
	}
	b.entries = head
	b.mu.Unlock()

	if evicted > 0 && b.onDrop != nil {
		b.onDrop(evicted)
	}
	b.signal()
}

// Drain atomically removes and returns up to n records from the head.
func (b *Buffer) Drain(n int) []*logrecord.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.entries) {
		n = len(b.entries)
	}
	if n == 0 {
		return nil
	}
	out := make([]*logrecord.Record, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[i].record
	}
	b.entries = b.entries[n:]
	return out
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped reports the total number of evicted records.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// OldestAge reports how long the head record has been queued, or false
// when empty.
func (b *Buffer) OldestAge(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0, false
	}
	return now.Sub(b.entries[0].queuedAt), true
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
