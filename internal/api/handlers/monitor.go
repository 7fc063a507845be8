// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/autobrr/stallarr/internal/domain"
	"github.com/autobrr/stallarr/internal/services/stalled"
)

// MonitorService is the part of stalled.Service the API exposes.
type MonitorService interface {
	Targets() []domain.BackendTarget
	GetActivity(instance string, limit int) []stalled.ActivityEvent
	LastSweep() *stalled.SweepSummary
	Trigger() bool
	TrackingEnabled() bool
	Forget(ctx context.Context, instance, downloadID string) (bool, error)
}

type MonitorHandler struct {
	service MonitorService
}

func NewMonitorHandler(service MonitorService) *MonitorHandler {
	return &MonitorHandler{service: service}
}

type TargetsResponse struct {
	Targets   []domain.BackendTarget `json:"targets"`
	Tracking  bool                   `json:"tracking"`
	LastSweep *stalled.SweepSummary  `json:"lastSweep"`
}

// ListTargets returns the configured backends and the last sweep summary.
func (h *MonitorHandler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets := h.service.Targets()
	if targets == nil {
		targets = []domain.BackendTarget{}
	}
	RespondJSON(w, http.StatusOK, TargetsResponse{
		Targets:   targets,
		Tracking:  h.service.TrackingEnabled(),
		LastSweep: h.service.LastSweep(),
	})
}

// GetActivity returns recent detections and remediations, optionally for one instance.
func (h *MonitorHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	instance := strings.TrimSpace(r.URL.Query().Get("instance"))
	limitParam := strings.TrimSpace(r.URL.Query().Get("limit"))
	var limit int
	if limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events := h.service.GetActivity(instance, limit)
	if events == nil {
		events = []stalled.ActivityEvent{}
	}
	RespondJSON(w, http.StatusOK, events)
}

type RunResponse struct {
	Queued bool `json:"queued"`
}

// TriggerRun asks the scheduler for an immediate sweep.
func (h *MonitorHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusAccepted, RunResponse{Queued: h.service.Trigger()})
}
