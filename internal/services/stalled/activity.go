// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"sort"
	"strings"
	"time"

	"github.com/autobrr/stallarr/internal/domain"
)

// ActivityOutcome describes what happened to a tracked download.
type ActivityOutcome string

const (
	ActivityOutcomeDetected      ActivityOutcome = "detected"
	ActivityOutcomeRemoved       ActivityOutcome = "removed"
	ActivityOutcomeSearched      ActivityOutcome = "searched"
	ActivityOutcomeSearchSkipped ActivityOutcome = "searchSkipped"
	ActivityOutcomeSearchFailed  ActivityOutcome = "searchFailed"
	ActivityOutcomeFailed        ActivityOutcome = "failed"
)

// ActivityEvent records a single detection or remediation per instance/download.
type ActivityEvent struct {
	Instance   string           `json:"instance"`
	DownloadID string           `json:"downloadId"`
	Title      string           `json:"title"`
	Mode       domain.CheckMode `json:"mode"`
	Outcome    ActivityOutcome  `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

const defaultHistorySize = 50

func (s *Service) recordActivity(instance, downloadID, title string, mode domain.CheckMode, outcome ActivityOutcome, reason string) {
	if s == nil || instance == "" {
		return
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if s.history == nil {
		s.history = make(map[string][]ActivityEvent)
	}
	limit := s.historyCap
	if limit <= 0 {
		limit = defaultHistorySize
	}
	event := ActivityEvent{
		Instance:   instance,
		DownloadID: downloadID,
		Title:      title,
		Mode:       mode,
		Outcome:    outcome,
		Reason:     strings.TrimSpace(reason),
		Timestamp:  s.currentTime(),
	}
	s.history[instance] = append(s.history[instance], event)
	if len(s.history[instance]) > limit {
		s.history[instance] = s.history[instance][len(s.history[instance])-limit:]
	}
}

// GetActivity returns the most recent events, newest last. An empty instance merges all instances.
func (s *Service) GetActivity(instance string, limit int) []ActivityEvent {
	if s == nil {
		return nil
	}
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	var events []ActivityEvent
	if instance != "" {
		events = append(events, s.history[instance]...)
	} else {
		for _, perInstance := range s.history {
			events = append(events, perInstance...)
		}
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

func (s *Service) currentTime() time.Time {
	if s != nil && s.now != nil {
		return s.now()
	}
	return time.Now()
}
