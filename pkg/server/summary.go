// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/aggregate"
	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/store"
)

// recentErrorLimit caps the recent-error records attached to a summary.
const recentErrorLimit = 50

type summaryResponse struct {
	AppID        string                      `json:"app_id"`
	AppName      string                      `json:"app_name"`
	TakenAt      time.Time                   `json:"taken_at"`
	Services     []aggregate.ServiceSnapshot `json:"services"`
	RecentErrors []*logrecord.Record         `json:"recent_errors"`
}

// handleSummary returns the latest aggregate snapshot plus recent
// errors. Only the app's owner may read it.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authenticated user required")
		return
	}
	appID := mux.Vars(r)["app_id"]

	app, err := s.store.GetApp(r.Context(), appID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "unknown app")
			return
		}
		s.log.Error("app lookup failed", zap.String("app_id", appID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "store unavailable")
		return
	}
	if app.OwnerID != userID {
		writeError(w, http.StatusForbidden, codeForbidden, "not the app owner")
		return
	}

	res := summaryResponse{
		AppID:        appID,
		AppName:      app.Name,
		TakenAt:      time.Now().UTC(),
		Services:     []aggregate.ServiceSnapshot{},
		RecentErrors: []*logrecord.Record{},
	}
	if snap, ok := s.procs.Snapshot(appID); ok && snap != nil {
		res.TakenAt = snap.TakenAt
		res.Services = snap.Services
	}

	recent, err := s.store.RecentErrors(r.Context(), appID, recentErrorLimit)
	if err != nil {
		// The snapshot is still useful without the record tail.
		s.log.Warn("recent errors unavailable", zap.String("app_id", appID), zap.Error(err))
	} else {
		res.RecentErrors = recent
	}

	writeJSON(w, http.StatusOK, res)
}
