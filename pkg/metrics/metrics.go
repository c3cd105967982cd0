// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics exposes the pipeline counters twice: as expvar for
// quick introspection and as Prometheus collectors for scraping.
package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineExpvars groups the core pipeline counters.
	PipelineExpvars *expvar.Map

	// LogsIngested is the total number of records accepted by /ingest.
	LogsIngested = expvar.Int{}
	// TlmLogsIngested is the total number of records accepted by /ingest.
	TlmLogsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "ingest", Name: "records_total",
		Help: "Total number of records accepted by the ingest endpoint.",
	})

	// LogsPersisted is the total number of records written to the store.
	LogsPersisted = expvar.Int{}
	// TlmLogsPersisted is the total number of records written to the store.
	TlmLogsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "processor", Name: "persisted_total",
		Help: "Total number of records written to the persistent store.",
	})

	// LogsDropped is the total number of records dropped on declared
	// degraded paths (spool overflow, shutdown deadline).
	LogsDropped = expvar.Int{}
	// TlmLogsDropped counts dropped records by reason.
	TlmLogsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "processor", Name: "dropped_total",
		Help: "Total number of records dropped, by reason.",
	}, []string{"reason"})

	// BackpressureRejections is the number of ingest requests refused
	// with 503 because a per-app channel stayed full.
	BackpressureRejections = expvar.Int{}
	// TlmBackpressureRejections is the Prometheus view of the same.
	TlmBackpressureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "ingest", Name: "backpressure_total",
		Help: "Total number of ingest requests rejected with 503 backpressure.",
	})

	// KeyCacheHits counts api-key lookups served from the cache.
	KeyCacheHits = expvar.Int{}
	// KeyCacheMisses counts api-key lookups that consulted the store.
	KeyCacheMisses = expvar.Int{}
	// TlmKeyCacheLookups counts key lookups by outcome.
	TlmKeyCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "auth", Name: "key_cache_lookups_total",
		Help: "API key cache lookups by outcome.",
	}, []string{"outcome"})

	// ClassifierFailures counts classification calls that failed or
	// timed out and fell back to pass-through.
	ClassifierFailures = expvar.Int{}
	// TlmClassifierFailures is the Prometheus view of the same.
	TlmClassifierFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "processor", Name: "classifier_failures_total",
		Help: "Total number of failed or timed out classifier calls.",
	})

	// StoreWriteFailures counts failed write batches toward the store.
	StoreWriteFailures = expvar.Int{}
	// TlmStoreWriteFailures is the Prometheus view of the same.
	TlmStoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "processor", Name: "store_write_failures_total",
		Help: "Total number of failed store write batches.",
	})

	// SpooledRecords counts records shunted to the on-disk spool while
	// a processor is degraded.
	SpooledRecords = expvar.Int{}
	// TlmSpooledRecords is the Prometheus view of the same.
	TlmSpooledRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "processor", Name: "spooled_total",
		Help: "Total number of records written to the degraded-mode spool.",
	})

	// ActiveProcessors is the number of live per-app processors.
	ActiveProcessors = expvar.Int{}
	// TlmActiveProcessors is the Prometheus view of the same.
	TlmActiveProcessors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "logsentry", Subsystem: "processor", Name: "active",
		Help: "Number of live per-app processors.",
	})

	// SessionsStarted counts device sessions created by /sdk/device/start.
	SessionsStarted = expvar.Int{}
	// SessionsCompleted counts device sessions completed by the browser flow.
	SessionsCompleted = expvar.Int{}
	// SessionsExpired counts device sessions swept by the janitor.
	SessionsExpired = expvar.Int{}
	// TlmSessions counts device session transitions by state.
	TlmSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logsentry", Subsystem: "deviceauth", Name: "sessions_total",
		Help: "Device session transitions by resulting state.",
	}, []string{"state"})
)

func init() {
	PipelineExpvars = expvar.NewMap("logsentry")
	PipelineExpvars.Set("LogsIngested", &LogsIngested)
	PipelineExpvars.Set("LogsPersisted", &LogsPersisted)
	PipelineExpvars.Set("LogsDropped", &LogsDropped)
	PipelineExpvars.Set("BackpressureRejections", &BackpressureRejections)
	PipelineExpvars.Set("KeyCacheHits", &KeyCacheHits)
	PipelineExpvars.Set("KeyCacheMisses", &KeyCacheMisses)
	PipelineExpvars.Set("ClassifierFailures", &ClassifierFailures)
	PipelineExpvars.Set("StoreWriteFailures", &StoreWriteFailures)
	PipelineExpvars.Set("SpooledRecords", &SpooledRecords)
	PipelineExpvars.Set("ActiveProcessors", &ActiveProcessors)
	PipelineExpvars.Set("SessionsStarted", &SessionsStarted)
	PipelineExpvars.Set("SessionsCompleted", &SessionsCompleted)
	PipelineExpvars.Set("SessionsExpired", &SessionsExpired)
}
