// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/deviceauth"
)

type deviceStartRequest struct {
	AppName     string `json:"app_name"`
	Description string `json:"description,omitempty"`
}

type deviceCompleteRequest struct {
	UserCode string `json:"user_code"`
	UserID   string `json:"user_id,omitempty"`
}

type deviceCompleteResponse struct {
	AppID string `json:"app_id"`
}

func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	var req deviceStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if req.AppName == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "app_name is required")
		return
	}
	res, err := s.device.Start(r.Context(), req.AppName, req.Description)
	if err != nil {
		s.log.Error("device start failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not start session")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeviceComplete is called by the browser page once the user has
// authenticated. The caller's identity arrives on the X-User-ID header
// set by the fronting auth layer; the body user_id is a fallback.
func (s *Server) handleDeviceComplete(w http.ResponseWriter, r *http.Request) {
	var req deviceCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authenticated user required")
		return
	}
	if req.UserCode == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "user_code is required")
		return
	}

	appID, err := s.device.Complete(r.Context(), req.UserCode, userID)
	if err != nil {
		switch {
		case errors.Is(err, deviceauth.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "unknown user code")
		case errors.Is(err, deviceauth.ErrSessionGone):
			writeError(w, http.StatusGone, codeSessionExpired, "session expired or already completed")
		default:
			s.log.Error("device complete failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "could not complete session")
		}
		return
	}
	writeJSON(w, http.StatusOK, deviceCompleteResponse{AppID: appID})
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	deviceCode := r.URL.Query().Get("device_code")
	if deviceCode == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "device_code is required")
		return
	}

	res, err := s.device.Poll(r.Context(), deviceCode)
	if err != nil {
		switch {
		case errors.Is(err, deviceauth.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "poll interval not respected")
		case errors.Is(err, deviceauth.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "unknown device code")
		default:
			s.log.Error("device poll failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "could not poll session")
		}
		return
	}

	switch res.Status {
	case deviceauth.StatusPending:
		writeJSON(w, http.StatusAccepted, res)
	case deviceauth.StatusOK:
		writeJSON(w, http.StatusOK, res)
	default: // expired or consumed
		writeJSON(w, http.StatusGone, res)
	}
}
