// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/stallarr/internal/models"
	"github.com/autobrr/stallarr/internal/services/stalled"
)

// TrackedLister lists tracking rows. models.TrackedDownloadStore implements it.
type TrackedLister interface {
	List(ctx context.Context) ([]*models.TrackedDownload, error)
}

type TrackedHandler struct {
	store   TrackedLister
	service MonitorService
	timeout time.Duration
	now     func() time.Time
}

func NewTrackedHandler(store TrackedLister, service MonitorService, timeout time.Duration) *TrackedHandler {
	return &TrackedHandler{
		store:   store,
		service: service,
		timeout: timeout,
		now:     time.Now,
	}
}

type TrackedDownloadResponse struct {
	DownloadID       string    `json:"downloadId"`
	Instance         string    `json:"instance"`
	FirstDetected    time.Time `json:"firstDetected"`
	ElapsedSeconds   int64     `json:"elapsedSeconds"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

// ListTracked returns downloads waiting for the stalled timeout.
func (h *TrackedHandler) ListTracked(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		RespondJSON(w, http.StatusOK, []TrackedDownloadResponse{})
		return
	}

	rows, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list tracked downloads")
		RespondError(w, http.StatusInternalServerError, "Failed to list tracked downloads")
		return
	}

	instance := strings.TrimSpace(r.URL.Query().Get("instance"))
	now := h.now()
	response := make([]TrackedDownloadResponse, 0, len(rows))
	for _, row := range rows {
		if instance != "" && !strings.EqualFold(row.Instance, instance) {
			continue
		}
		elapsed := now.Sub(row.FirstDetected)
		remaining := max(h.timeout-elapsed, 0)
		response = append(response, TrackedDownloadResponse{
			DownloadID:       row.DownloadID,
			Instance:         row.Instance,
			FirstDetected:    row.FirstDetected,
			ElapsedSeconds:   int64(elapsed.Seconds()),
			RemainingSeconds: int64(remaining.Seconds()),
		})
	}

	RespondJSON(w, http.StatusOK, response)
}

// DeleteTracked forgets a download so its timer restarts on the next detection.
func (h *TrackedHandler) DeleteTracked(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")
	downloadID := chi.URLParam(r, "downloadID")
	if instance == "" || downloadID == "" {
		RespondError(w, http.StatusBadRequest, "Instance and download ID are required")
		return
	}

	deleted, err := h.service.Forget(r.Context(), instance, downloadID)
	if err != nil {
		if errors.Is(err, stalled.ErrTrackingDisabled) {
			RespondError(w, http.StatusConflict, "Tracking is disabled")
			return
		}
		log.Error().Err(err).Str("instance", instance).Str("downloadID", downloadID).Msg("failed to delete tracked download")
		RespondError(w, http.StatusInternalServerError, "Failed to delete tracked download")
		return
	}
	if !deleted {
		RespondError(w, http.StatusNotFound, "Tracked download not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
