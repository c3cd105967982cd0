// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package spool provides the bounded on-disk overflow buffer used by a
// per-app processor in degraded mode. Records are appended as JSON
// lines to rotating segment files; when the byte cap is exceeded the
// oldest segment is dropped whole.
package spool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/metrics"
)

const (
	// DefaultMaxBytes is the default cap on total spool size.
	DefaultMaxBytes = 256 << 20
	// segmentMaxBytes is the rotation threshold for a single segment.
	segmentMaxBytes = 4 << 20
	// drainBatch is how many records Drain hands to its sink at once.
	drainBatch = 200
)

type segment struct {
	path string
	size int64
}

// storedRecord sidesteps Record's wire decoder, which only reads the
// client-supplied fields: spooled records are already stamped with
// app_id, fingerprint, ingested_at and classification, and all of it
// must survive the disk round trip.
type storedRecord logrecord.Record

// Spool is a FIFO on-disk buffer of log records. Safe for concurrent
// use, though the processor is its only writer in practice.
type Spool struct {
	dir      string
	maxBytes int64

	mu       sync.Mutex
	segments []segment
	current  *os.File
	curPath  string
	curSize  int64
	seq      int
}

// Open creates or reopens a spool rooted at dir. Existing segments are
// picked up in name order so a restart resumes the backlog.
func Open(dir string, maxBytes int64) (*Spool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	s := &Spool{dir: dir, maxBytes: maxBytes}

	entries, err := filepath.Glob(filepath.Join(dir, "segment-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		s.segments = append(s.segments, segment{path: path, size: info.Size()})
		var n int
		if _, err := fmt.Sscanf(filepath.Base(path), "segment-%d.jsonl", &n); err == nil && n >= s.seq {
			s.seq = n + 1
		}
	}
	return s, nil
}

// Append writes records to the tail of the spool, rotating and
// enforcing the byte cap as needed.
func (s *Spool) Append(records []*logrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	w := bufio.NewWriter(s.current)
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding spooled record: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		s.curSize += int64(len(line)) + 1
	}
	if err := w.Flush(); err != nil {
		return err
	}
	metrics.SpooledRecords.Add(int64(len(records)))
	metrics.TlmSpooledRecords.Add(float64(len(records)))

	if s.curSize >= segmentMaxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	s.enforceCapLocked()
	return nil
}

func (s *Spool) rotateLocked() error {
	if s.current != nil {
		s.current.Close()
		s.segments = append(s.segments, segment{path: s.curPath, size: s.curSize})
		s.current = nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("segment-%09d.jsonl", s.seq))
	s.seq++
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening spool segment: %w", err)
	}
	s.current = f
	s.curPath = path
	s.curSize = 0
	return nil
}

// enforceCapLocked drops whole closed segments oldest first until the
// total size fits. Oldest-drop keeps the most recent records, matching
// the SDK buffer's eviction policy.
func (s *Spool) enforceCapLocked() {
	total := s.curSize
	for _, seg := range s.segments {
		total += seg.size
	}
	for total > s.maxBytes && len(s.segments) > 0 {
		oldest := s.segments[0]
		s.segments = s.segments[1:]
		os.Remove(oldest.path)
		total -= oldest.size
		metrics.LogsDropped.Add(1)
		metrics.TlmLogsDropped.WithLabelValues("spool_overflow").Inc()
	}
}

// Size returns the total bytes currently held.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.curSize
	for _, seg := range s.segments {
		total += seg.size
	}
	return total
}

// Empty reports whether the spool holds no records.
func (s *Spool) Empty() bool {
	return s.Size() == 0
}

// Drain feeds the backlog to sink in FIFO order, in batches of at most
// 200 records. A segment is deleted only after sink succeeded for all
// its records; on error the remaining backlog stays on disk.
func (s *Spool) Drain(sink func([]*logrecord.Record) error) error {
	s.mu.Lock()
	// Seal the active segment so the drain covers it too.
	if s.current != nil {
		if err := s.rotateLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		// rotateLocked opened a fresh empty segment; close it so an
		// idle spool leaves no file behind.
		s.current.Close()
		os.Remove(s.curPath)
		s.current = nil
		s.curSize = 0
	}
	pending := make([]segment, len(s.segments))
	copy(pending, s.segments)
	s.mu.Unlock()

	for _, seg := range pending {
		if err := s.drainSegment(seg, sink); err != nil {
			return err
		}
		s.mu.Lock()
		if len(s.segments) > 0 && s.segments[0].path == seg.path {
			s.segments = s.segments[1:]
		}
		s.mu.Unlock()
		os.Remove(seg.path)
	}
	return nil
}

func (s *Spool) drainSegment(seg segment, sink func([]*logrecord.Record) error) error {
	f, err := os.Open(seg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), logrecord.MaxRecordBytes*2)
	batch := make([]*logrecord.Record, 0, drainBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for scanner.Scan() {
		var sr storedRecord
		if err := json.Unmarshal(scanner.Bytes(), &sr); err != nil {
			// A torn tail line from a crash is not worth failing the
			// whole drain.
			continue
		}
		r := logrecord.Record(sr)
		batch = append(batch, &r)
		if len(batch) == drainBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// Close releases the active segment file handle.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.segments = append(s.segments, segment{path: s.curPath, size: s.curSize})
	s.current = nil
	s.curSize = 0
	return err
}
