// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"context"
	"strconv"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

// TrackingStore is the persistence the debouncer needs. models.TrackedDownloadStore satisfies it.
type TrackingStore interface {
	InsertIfAbsent(ctx context.Context, downloadID, instance string, firstDetected time.Time) (bool, error)
	ListByInstance(ctx context.Context, instance string) (map[string]time.Time, error)
	Delete(ctx context.Context, downloadID, instance string) (bool, error)
}

// RemediationRequest is emitted once an item stayed classified for longer than the timeout.
type RemediationRequest struct {
	DownloadID    string
	Instance      string
	Title         string
	Mode          domain.CheckMode
	MovieID       *int64
	SeriesID      *int64
	EpisodeIDs    []int64
	FirstDetected time.Time
	Elapsed       time.Duration
}

// Detection is an item whose timer started in this cycle.
type Detection struct {
	DownloadID string
	Title      string
}

// ReconcileResult summarizes one cycle for one target and mode.
type ReconcileResult struct {
	Requests   []RemediationRequest
	Detected   []Detection
	Classified []string
	Waiting    int
	Ignored    int
	Errors     int
}

// Debouncer turns classifier hits into time-qualified remediation requests.
type Debouncer struct {
	store    TrackingStore
	timeout  time.Duration
	filter   *Filter
	progress *ttlcache.Cache[string, time.Time]
}

// NewDebouncer builds a Debouncer. A zero timeout disables tracking and store may be nil.
func NewDebouncer(store TrackingStore, timeout time.Duration, filter *Filter, progressEvery time.Duration) *Debouncer {
	if progressEvery <= 0 {
		progressEvery = time.Minute
	}
	if timeout <= 0 {
		store = nil
		timeout = 0
	}
	return &Debouncer{
		store:    store,
		timeout:  timeout,
		filter:   filter,
		progress: ttlcache.New(ttlcache.Options[string, time.Time]{}.SetDefaultTTL(progressEvery)),
	}
}

// Enabled reports whether items wait for the timeout before remediation.
func (d *Debouncer) Enabled() bool {
	return d.store != nil
}

// Reconcile classifies items and compares them against the store.
//
// New keys are inserted with now and produce no request. Known keys produce a request once
// now - firstDetected is strictly greater than the timeout. Rows are never deleted here.
func (d *Debouncer) Reconcile(ctx context.Context, target domain.BackendTarget, mode domain.CheckMode, items []arr.QueueItem, now time.Time) ReconcileResult {
	var result ReconcileResult

	var known map[string]time.Time
	if d.store != nil {
		var err error
		known, err = d.store.ListByInstance(ctx, target.Name)
		if err != nil {
			log.Error().Err(err).Str("instance", target.Name).Str("mode", string(mode)).Msg("stalled: failed to read tracked downloads")
			result.Errors++
			return result
		}
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if d.ignored(item, target, mode) {
			result.Ignored++
			continue
		}
		if !Classify(item, mode) {
			continue
		}
		if item.ID <= 0 {
			log.Warn().Str("instance", target.Name).Str("title", item.Title).Msg("stalled: queue item without id, skipping")
			continue
		}

		req := newRemediationRequest(item, target, mode)
		if _, dup := seen[req.DownloadID]; dup {
			continue
		}
		seen[req.DownloadID] = struct{}{}
		result.Classified = append(result.Classified, req.DownloadID)

		if d.store == nil {
			req.FirstDetected = now
			result.Requests = append(result.Requests, req)
			continue
		}

		firstDetected, tracked := known[req.DownloadID]
		if !tracked {
			inserted, err := d.store.InsertIfAbsent(ctx, req.DownloadID, target.Name, now)
			if err != nil {
				log.Error().Err(err).Str("instance", target.Name).Str("downloadID", req.DownloadID).Msg("stalled: failed to track download")
				result.Errors++
				continue
			}
			if inserted {
				log.Info().
					Str("instance", target.Name).
					Str("downloadID", req.DownloadID).
					Str("title", item.Title).
					Str("mode", mode.String()).
					Msg("stalled: new download detected, starting timer")
				result.Detected = append(result.Detected, Detection{DownloadID: req.DownloadID, Title: item.Title})
			}
			continue
		}

		elapsed := now.Sub(firstDetected)
		if elapsed > d.timeout {
			req.FirstDetected = firstDetected
			req.Elapsed = elapsed
			result.Requests = append(result.Requests, req)
			continue
		}

		result.Waiting++
		d.logProgress(target, req, elapsed)
	}

	return result
}

func (d *Debouncer) ignored(item arr.QueueItem, target domain.BackendTarget, mode domain.CheckMode) bool {
	if d.filter == nil {
		return false
	}
	ignore, err := d.filter.Ignore(item, target, mode)
	if err != nil {
		log.Warn().Err(err).Str("instance", target.Name).Int64("id", item.ID).Msg("stalled: ignore expression failed")
		return false
	}
	return ignore
}

func (d *Debouncer) logProgress(target domain.BackendTarget, req RemediationRequest, elapsed time.Duration) {
	key := target.Name + "/" + req.DownloadID
	if _, ok := d.progress.Get(key); ok {
		return
	}
	d.progress.Set(key, time.Now(), ttlcache.DefaultTTL)

	log.Info().
		Str("instance", target.Name).
		Str("downloadID", req.DownloadID).
		Str("title", req.Title).
		Dur("elapsed", elapsed.Truncate(time.Second)).
		Dur("remaining", (d.timeout - elapsed).Truncate(time.Second)).
		Msg("stalled: still waiting for timeout")
}

func newRemediationRequest(item arr.QueueItem, target domain.BackendTarget, mode domain.CheckMode) RemediationRequest {
	return RemediationRequest{
		DownloadID: strconv.FormatInt(item.ID, 10),
		Instance:   target.Name,
		Title:      item.Title,
		Mode:       mode,
		MovieID:    positive(item.MovieID),
		SeriesID:   positive(item.SeriesID),
		EpisodeIDs: episodeIDs(item),
	}
}

// episodeIDs prefers a single episodeId over the episodeIds list.
func episodeIDs(item arr.QueueItem) []int64 {
	if id := positive(item.EpisodeID); id != nil {
		return []int64{*id}
	}
	var ids []int64
	for _, id := range item.EpisodeIDs {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func positive(v *int64) *int64 {
	if v == nil || *v <= 0 {
		return nil
	}
	id := *v
	return &id
}
