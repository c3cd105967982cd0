// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/fingerprint"
	"github.com/logsentry/logsentry/pkg/keys"
	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/metrics"
	"github.com/logsentry/logsentry/pkg/processor"
	"github.com/logsentry/logsentry/pkg/store"
)

// retryAfterSeconds is the hint attached to 503 backpressure responses.
const retryAfterSeconds = 1

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

// handleIngest accepts a batch envelope, authenticates it, stamps the
// records and hands them to the app's processor. The 200 acknowledges
// the enqueue, not durability.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, codeDraining, "server is draining")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, logrecord.MaxEnvelopeBytes)
	var envelope logrecord.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "envelope exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	appID, err := s.keys.Authorize(r.Context(), envelope.APIKey)
	if err != nil {
		if errors.Is(err, keys.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "api key not recognized")
			return
		}
		s.log.Error("key lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "authorization unavailable")
		return
	}

	if len(envelope.Logs) > logrecord.MaxBatchRecords {
		writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "envelope exceeds 1000 records")
		return
	}
	if len(envelope.Logs) == 0 {
		writeJSON(w, http.StatusOK, ingestResponse{Accepted: 0})
		return
	}

	now := time.Now().UTC()
	batch := make([]*logrecord.Record, len(envelope.Logs))
	for i := range envelope.Logs {
		rec := &envelope.Logs[i]
		if err := rec.Validate(); err != nil {
			status, code := recordErrorStatus(err)
			writeError(w, status, code, err.Error())
			return
		}
		rec.AppID = appID
		rec.IngestedAt = now
		rec.Fingerprint = fingerprint.Record(appID, rec)
		batch[i] = rec
	}

	app, err := s.store.GetApp(r.Context(), appID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "app no longer exists")
			return
		}
		s.log.Error("app lookup failed", zap.String("app_id", appID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "store unavailable")
		return
	}

	proc, err := s.procs.GetOrStart(appID, app.Name)
	if err != nil {
		s.log.Error("starting processor failed", zap.String("app_id", appID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "processor unavailable")
		return
	}
	if err := proc.Enqueue(r.Context(), batch); err != nil {
		if errors.Is(err, processor.ErrBackpressure) {
			metrics.BackpressureRejections.Add(1)
			metrics.TlmBackpressureRejections.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			writeError(w, http.StatusServiceUnavailable, codeBackpressure, "per-app channel full")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	metrics.LogsIngested.Add(int64(len(batch)))
	metrics.TlmLogsIngested.Add(float64(len(batch)))
	writeJSON(w, http.StatusOK, ingestResponse{Accepted: len(batch)})
}

// recordErrorStatus maps a record validation error to its HTTP shape:
// size violations are 413, everything else is a schema error.
func recordErrorStatus(err error) (int, string) {
	if errors.Is(err, logrecord.ErrRecordTooBig) || errors.Is(err, logrecord.ErrAttributesTooBig) {
		return http.StatusRequestEntityTooLarge, codePayloadTooLarge
	}
	return http.StatusBadRequest, codeBadRequest
}
