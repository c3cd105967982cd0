// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package aggregate

import (
	"sort"
	"time"

	"github.com/logsentry/logsentry/pkg/logrecord"
)

// ServiceSnapshot is the read-only view of one service's rolling state.
type ServiceSnapshot struct {
	Service              string           `json:"service"`
	Health               Health           `json:"health"`
	TotalCount           int64            `json:"total_count"`
	SeverityDistribution map[string]int64 `json:"severity_distribution"`
	ErrorsPer10Logs      []int            `json:"errors_per_10_logs"`
	AvgErrorsPer10Logs   float64          `json:"avg_errors_per_10_logs"`
	FirstErrorTS         *time.Time       `json:"first_error_ts,omitempty"`
	LatestErrorTS        *time.Time       `json:"latest_error_ts,omitempty"`
	MostCommonError      string           `json:"most_common_error_fingerprint,omitempty"`
	MostCommonErrorCount int64            `json:"most_common_error_count,omitempty"`
}

// AppSnapshot is an immutable point-in-time view of all services of an
// app. Once published it is never mutated; publishing replaces the
// pointer.
type AppSnapshot struct {
	AppID    string            `json:"app_id"`
	TakenAt  time.Time         `json:"taken_at"`
	Services []ServiceSnapshot `json:"services"`
}

// Publish builds a fresh immutable snapshot from the rolling state and
// swaps it in for readers. Must only be called from the owning
// processor goroutine.
func (a *AppAggregates) Publish() {
	now := a.clock.Now()
	snap := &AppSnapshot{
		AppID:    a.appID,
		TakenAt:  now,
		Services: make([]ServiceSnapshot, 0, len(a.services)),
	}
	for _, s := range a.services {
		dist := make(map[string]int64, len(s.perLevel))
		for level, count := range s.perLevel {
			dist[logrecord.Level(level).String()] = count
		}
		avg := s.avgErrors()
		fp, fpCount, recent := s.mostCommon(now)
		svc := ServiceSnapshot{
			Service:              s.service,
			Health:               classify(avg, recent),
			TotalCount:           s.totalCount,
			SeverityDistribution: dist,
			ErrorsPer10Logs:      s.errorSeries(),
			AvgErrorsPer10Logs:   avg,
			MostCommonError:      fp,
			MostCommonErrorCount: fpCount,
		}
		if !s.firstErrorTS.IsZero() {
			first := s.firstErrorTS
			svc.FirstErrorTS = &first
		}
		if !s.latestErrorTS.IsZero() {
			latest := s.latestErrorTS
			svc.LatestErrorTS = &latest
		}
		snap.Services = append(snap.Services, svc)
	}
	sort.Slice(snap.Services, func(i, j int) bool {
		return snap.Services[i].Service < snap.Services[j].Service
	})
	a.snapshot.Store(snap)
}

// Snapshot returns the latest published snapshot. Safe to call from
// any goroutine.
func (a *AppAggregates) Snapshot() *AppSnapshot {
	return a.snapshot.Load()
}
