// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package aggregate maintains rolling per-(app, service) health
// counters. An aggregate is owned by exactly one per-app processor
// goroutine; readers only ever see immutable published snapshots.
package aggregate

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

const (
	// WindowSize is the number of records per error-rate window.
	WindowSize = 10
	// WindowCount is the maximum number of retained windows.
	WindowCount = 360
	// mostCommonWindow is the lookback for the most-common-error
	// unhealthiness rule.
	mostCommonWindow = 10 * time.Minute
)

// Health classification thresholds.
const (
	unhealthyAvgErrors   = 5.0
	warningAvgErrors     = 2.0
	unhealthyRecentCount = 20
)

// Health is the classification of a service.
type Health string

// Health states, worst first.
const (
	HealthUnhealthy Health = "unhealthy"
	HealthWarning   Health = "warning"
	HealthHealthy   Health = "healthy"
)

type fingerprintStat struct {
	count  int64
	recent []time.Time // error instants inside mostCommonWindow, pruned on update
}

// serviceState is the mutable rolling state for one service. It is
// only touched by the owning processor goroutine.
type serviceState struct {
	service    string
	totalCount int64
	perLevel   [logrecord.NumLevels]int64

	// windows is a FIFO ring of error counts for completed
	// WindowSize-record windows.
	windows     [WindowCount]int
	windowStart int
	windowLen   int

	// current partial window.
	fill       int
	fillErrors int

	firstErrorTS  time.Time
	latestErrorTS time.Time

	errorFingerprints map[string]*fingerprintStat
}

// AppAggregates owns all service aggregates of a single app and
// publishes read-only snapshots for the summary reader.
type AppAggregates struct {
	appID    string
	appName  string
	clock    clock.Clock
	services map[string]*serviceState
	snapshot atomic.Pointer[AppSnapshot]
}

// New returns empty aggregates for an app. appName doubles as the
// default service tag for records that carry none.
func New(appID, appName string) *AppAggregates {
	a := &AppAggregates{
		appID:    appID,
		appName:  appName,
		clock:    clock.New(),
		services: make(map[string]*serviceState),
	}
	a.Publish()
	return a
}

// SetClock replaces the wall clock. Test hook; call before any Record.
func (a *AppAggregates) SetClock(c clock.Clock) { a.clock = c }

// Record folds one record into the rolling state. Must only be called
// from the owning processor goroutine.
func (a *AppAggregates) Record(r *logrecord.Record) {
	service := r.Service
	if service == "" {
		service = a.appName
	}
	s, ok := a.services[service]
	if !ok {
		s = &serviceState{
			service:           service,
			errorFingerprints: make(map[string]*fingerprintStat),
		}
		a.services[service] = s
	}

	s.totalCount++
	if r.Level.IsValid() {
		s.perLevel[r.Level]++
	}

	isError := r.Level.IsError()
	s.fill++
	if isError {
		s.fillErrors++
	}
	if s.fill == WindowSize {
		s.pushWindow(s.fillErrors)
		s.fill = 0
		s.fillErrors = 0
	}

	if isError {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = a.clock.Now()
		}
		if s.firstErrorTS.IsZero() {
			s.firstErrorTS = ts
		}
		if ts.After(s.latestErrorTS) {
			s.latestErrorTS = ts
		}
		if r.Fingerprint != "" {
			stat, ok := s.errorFingerprints[r.Fingerprint]
			if !ok {
				stat = &fingerprintStat{}
				s.errorFingerprints[r.Fingerprint] = stat
			}
			stat.count++
			stat.recent = append(stat.recent, ts)
			pruneBefore := a.clock.Now().Add(-mostCommonWindow)
			for len(stat.recent) > 0 && stat.recent[0].Before(pruneBefore) {
				stat.recent = stat.recent[1:]
			}
		}
	}
}

func (s *serviceState) pushWindow(errors int) {
	if s.windowLen < WindowCount {
		s.windows[(s.windowStart+s.windowLen)%WindowCount] = errors
		s.windowLen++
		return
	}
	// Ring is full: age out the oldest window.
	s.windows[s.windowStart] = errors
	s.windowStart = (s.windowStart + 1) % WindowCount
}

// errorSeries returns the completed windows oldest first.
func (s *serviceState) errorSeries() []int {
	out := make([]int, s.windowLen)
	for i := 0; i < s.windowLen; i++ {
		out[i] = s.windows[(s.windowStart+i)%WindowCount]
	}
	return out
}

// avgErrors is the mean of the completed windows plus the in-progress
// window when it holds any records, so a burst of errors surfaces
// before the first window completes.
func (s *serviceState) avgErrors() float64 {
	sum, n := 0, s.windowLen
	for i := 0; i < s.windowLen; i++ {
		sum += s.windows[(s.windowStart+i)%WindowCount]
	}
	if s.fill > 0 {
		sum += s.fillErrors
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func (s *serviceState) mostCommon(now time.Time) (fp string, count int64, recent int) {
	pruneBefore := now.Add(-mostCommonWindow)
	for candidate, stat := range s.errorFingerprints {
		if stat.count > count || (stat.count == count && candidate < fp) {
			fp = candidate
			count = stat.count
			n := 0
			for _, ts := range stat.recent {
				if !ts.Before(pruneBefore) {
					n++
				}
			}
			recent = n
		}
	}
	return fp, count, recent
}

func classify(avg float64, recentMostCommon int) Health {
	switch {
	case avg >= unhealthyAvgErrors || recentMostCommon >= unhealthyRecentCount:
		return HealthUnhealthy
	case avg >= warningAvgErrors:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
