// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

// BackendClient is the backend API surface the service drives. *arr.Client satisfies it.
type BackendClient interface {
	Target() domain.BackendTarget
	FetchQueue(ctx context.Context, mode domain.CheckMode) ([]arr.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	SendCommand(ctx context.Context, cmd arr.Command) (*arr.CommandResponse, error)
	SystemStatus(ctx context.Context) (*arr.SystemStatus, error)
}

// RemediationResult describes what Remediate did.
type RemediationResult struct {
	// Removed is true when the queue entry is gone, including a 404 on delete.
	Removed     bool
	AlreadyGone bool
	Command     *arr.Command
	Outcome     ActivityOutcome
	Err         error
}

// Remediate deletes the queue entry with blocklisting and, under BLOCKLIST_AND_SEARCH, asks the
// backend to search for a replacement. No search is sent unless the delete succeeded.
func Remediate(ctx context.Context, client BackendClient, req RemediationRequest, action domain.StalledAction) RemediationResult {
	target := client.Target()
	logger := log.With().
		Str("instance", target.Name).
		Str("downloadID", req.DownloadID).
		Str("title", req.Title).
		Logger()

	var result RemediationResult
	if err := client.DeleteQueueItem(ctx, req.DownloadID); err != nil {
		if !errors.Is(err, arr.ErrNotFound) {
			logger.Error().Err(err).Msg("stalled: failed to remove download, search suppressed")
			result.Outcome = ActivityOutcomeFailed
			result.Err = err
			return result
		}
		logger.Info().Msg("stalled: download already gone from queue")
		result.AlreadyGone = true
	} else {
		logger.Info().Dur("elapsed", req.Elapsed).Msg("stalled: removed and blocklisted download")
	}
	result.Removed = true
	result.Outcome = ActivityOutcomeRemoved

	if action != domain.StalledActionBlocklistAndSearch {
		return result
	}

	cmd := searchCommand(target.Kind, req)
	if cmd == nil {
		logger.Warn().Str("kind", string(target.Kind)).Msg("stalled: no movie, series or episode id, search skipped")
		result.Outcome = ActivityOutcomeSearchSkipped
		return result
	}
	result.Command = cmd

	if _, err := client.SendCommand(ctx, *cmd); err != nil {
		logger.Error().Err(err).Str("command", cmd.Name).Msg("stalled: failed to trigger search")
		result.Outcome = ActivityOutcomeSearchFailed
		result.Err = fmt.Errorf("send %s: %w", cmd.Name, err)
		return result
	}

	logger.Info().Str("command", cmd.Name).Msg("stalled: triggered search")
	result.Outcome = ActivityOutcomeSearched
	return result
}

// searchCommand picks the narrowest search for the backend kind. Sonarr prefers episodes and
// falls back to a series search for season packs.
func searchCommand(kind domain.BackendKind, req RemediationRequest) *arr.Command {
	var cmd arr.Command
	switch kind {
	case domain.BackendKindSonarr:
		switch {
		case len(req.EpisodeIDs) > 0:
			cmd = arr.EpisodeSearch(req.EpisodeIDs)
		case req.SeriesID != nil:
			cmd = arr.SeriesSearch(*req.SeriesID)
		default:
			return nil
		}
	case domain.BackendKindRadarr:
		if req.MovieID == nil {
			return nil
		}
		cmd = arr.MoviesSearch(*req.MovieID)
	default:
		return nil
	}
	return &cmd
}
