// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

// fakeRadarr serves a one-item queue and records deletes and command bodies.
type fakeRadarr struct {
	mu          sync.Mutex
	deleteCode  int
	commandCode int
	deletes     []string
	commands    []string
}

func (f *fakeRadarr) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v3/queue":
		_ = json.NewEncoder(w).Encode(arr.QueuePage{
			TotalRecords: 1,
			Records: []arr.QueueItem{{
				ID:           42,
				Title:        "Some.Movie.2024.1080p",
				Status:       "warning",
				ErrorMessage: "stalled",
				MovieID:      int64Ptr(7),
			}},
		})
	case r.Method == http.MethodDelete && r.URL.Path == "/api/v3/queue/42":
		f.deletes = append(f.deletes, r.URL.RawQuery)
		w.WriteHeader(f.deleteCode)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v3/command":
		body, _ := io.ReadAll(r.Body)
		f.commands = append(f.commands, string(body))
		if f.commandCode != 0 {
			http.Error(w, "command queue unavailable", f.commandCode)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"name":"MoviesSearch","status":"queued"}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRadarr) calls() (deletes, commands []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...), append([]string(nil), f.commands...)
}

func newRadarrService(t *testing.T, deleteCode int) (*Service, *fakeRadarr, *clock, Store) {
	t.Helper()
	backend := &fakeRadarr{deleteCode: deleteCode}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client := arr.NewClient(domain.BackendTarget{
		Name:    "Radarr0",
		BaseURL: srv.URL,
		APIKey:  "key",
		Kind:    domain.BackendKindRadarr,
	}, 5*time.Second)

	store := newTrackingStore(t)
	cfg := DefaultConfig()
	cfg.Timeout = 900 * time.Second

	svc := NewService(cfg, []BackendClient{client}, store, nil, nil)
	clk := newClock()
	svc.now = clk.Now
	return svc, backend, clk, store
}

func TestService_MovieScenario(t *testing.T) {
	svc, backend, clk, store := newRadarrService(t, http.StatusOK)
	ctx := context.Background()

	summary := svc.RunOnce(ctx)
	assert.Equal(t, 1, summary.Detected)
	deletes, commands := backend.calls()
	assert.Empty(t, deletes)
	assert.Empty(t, commands)

	rows, err := store.ListByInstance(ctx, "Radarr0")
	require.NoError(t, err)
	require.Contains(t, rows, "42")

	clk.Advance(905 * time.Second)
	summary = svc.RunOnce(ctx)
	assert.Equal(t, 1, summary.Remediated)

	deletes, commands = backend.calls()
	require.Len(t, deletes, 1)
	assert.Contains(t, deletes[0], "blocklist=true")
	assert.Contains(t, deletes[0], "skipRedownload=false")
	require.Len(t, commands, 1)
	assert.JSONEq(t, `{"name":"MoviesSearch","movieIds":[7]}`, commands[0])

	rows, err = store.ListByInstance(ctx, "Radarr0")
	require.NoError(t, err)
	assert.Empty(t, rows, "tracking record must be cleared after remediation")

	activity := svc.GetActivity("Radarr0", 0)
	require.Len(t, activity, 2)
	assert.Equal(t, ActivityOutcomeDetected, activity[0].Outcome)
	assert.Equal(t, ActivityOutcomeSearched, activity[1].Outcome)
	assert.Equal(t, "42", activity[1].DownloadID)
}

func TestService_DeleteFailureRetainsRecord(t *testing.T) {
	svc, backend, clk, store := newRadarrService(t, http.StatusInternalServerError)
	ctx := context.Background()

	svc.RunOnce(ctx)
	clk.Advance(905 * time.Second)
	summary := svc.RunOnce(ctx)
	assert.Equal(t, 1, summary.Failed)

	deletes, commands := backend.calls()
	assert.Len(t, deletes, 1)
	assert.Empty(t, commands, "no search after a failed delete")

	rows, err := store.ListByInstance(ctx, "Radarr0")
	require.NoError(t, err)
	assert.Contains(t, rows, "42", "record retained for the next pass")

	clk.Advance(time.Minute)
	svc.RunOnce(ctx)
	deletes, _ = backend.calls()
	assert.Len(t, deletes, 2, "delete is retried on the next sweep")
}

func TestService_SearchFailureClearsRecord(t *testing.T) {
	svc, backend, clk, store := newRadarrService(t, http.StatusOK)
	backend.mu.Lock()
	backend.commandCode = http.StatusInternalServerError
	backend.mu.Unlock()
	ctx := context.Background()

	svc.RunOnce(ctx)
	clk.Advance(905 * time.Second)
	summary := svc.RunOnce(ctx)
	assert.Equal(t, 1, summary.Remediated)
	assert.Equal(t, 0, summary.Failed)

	deletes, commands := backend.calls()
	assert.Len(t, deletes, 1)
	require.Len(t, commands, 1)
	assert.JSONEq(t, `{"name":"MoviesSearch","movieIds":[7]}`, commands[0])

	rows, err := store.ListByInstance(ctx, "Radarr0")
	require.NoError(t, err)
	assert.Empty(t, rows, "record cleared although the search failed")

	activity := svc.GetActivity("Radarr0", 0)
	require.NotEmpty(t, activity)
	last := activity[len(activity)-1]
	assert.Equal(t, ActivityOutcomeSearchFailed, last.Outcome)
	assert.NotEmpty(t, last.Reason)
}

func TestService_NotFoundDeleteStillSearches(t *testing.T) {
	svc, backend, clk, store := newRadarrService(t, http.StatusNotFound)
	ctx := context.Background()

	svc.RunOnce(ctx)
	clk.Advance(905 * time.Second)
	svc.RunOnce(ctx)

	_, commands := backend.calls()
	require.Len(t, commands, 1)
	assert.JSONEq(t, `{"name":"MoviesSearch","movieIds":[7]}`, commands[0])

	rows, err := store.ListByInstance(ctx, "Radarr0")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestService_SonarrEpisodeAndSeriesSearch(t *testing.T) {
	backend := newFakeBackend("Sonarr0", domain.BackendKindSonarr)
	backend.setQueue(domain.CheckModeStalled,
		arr.QueueItem{ID: 1, Status: "warning", EpisodeIDs: []int64{10, 11}, SeriesID: int64Ptr(5)},
		arr.QueueItem{ID: 2, Status: "warning", SeriesID: int64Ptr(5)},
	)

	cfg := DefaultConfig()
	cfg.Timeout = 0
	svc := NewService(cfg, []BackendClient{backend}, nil, nil, nil)

	summary := svc.RunOnce(context.Background())
	assert.Equal(t, 2, summary.Remediated)

	deleted, commands := backend.snapshot()
	assert.Equal(t, []string{"1", "2"}, deleted)
	assert.Equal(t, []arr.Command{arr.EpisodeSearch([]int64{10, 11}), arr.SeriesSearch(5)}, commands)
}

func TestService_MetadataModeOnlyWhenEnabled(t *testing.T) {
	backend := newFakeBackend("Radarr0", domain.BackendKindRadarr)
	backend.setQueue(domain.CheckModeMetadataStuck, arr.QueueItem{ID: 3, Status: "queued", ErrorMessage: "qBittorrent is downloading metadata"})

	cfg := DefaultConfig()
	svc := NewService(cfg, []BackendClient{backend}, newTrackingStore(t), nil, nil)
	svc.RunOnce(context.Background())
	assert.Equal(t, []domain.CheckMode{domain.CheckModeStalled}, backend.fetches)

	backend.fetches = nil
	cfg.CheckMetadata = true
	svc = NewService(cfg, []BackendClient{backend}, newTrackingStore(t), nil, nil)
	summary := svc.RunOnce(context.Background())
	assert.Equal(t, []domain.CheckMode{domain.CheckModeStalled, domain.CheckModeMetadataStuck}, backend.fetches)
	assert.Equal(t, 1, summary.Detected)
}

func TestService_FetchFailureIsIsolated(t *testing.T) {
	broken := newFakeBackend("Radarr0", domain.BackendKindRadarr)
	broken.fetchErr = errors.New("dial tcp: connection refused")
	healthy := newFakeBackend("Sonarr0", domain.BackendKindSonarr)
	healthy.setQueue(domain.CheckModeStalled, arr.QueueItem{ID: 8, Status: "warning", SeriesID: int64Ptr(1)})

	cfg := DefaultConfig()
	cfg.Timeout = 0
	svc := NewService(cfg, []BackendClient{broken, healthy}, nil, nil, nil)

	summary := svc.RunOnce(context.Background())
	assert.Equal(t, 1, summary.FetchErrors)
	assert.Equal(t, 1, summary.Remediated)

	deleted, _ := healthy.snapshot()
	assert.Equal(t, []string{"8"}, deleted)
}

func TestService_PartialFetchIsUsed(t *testing.T) {
	backend := newFakeBackend("Radarr0", domain.BackendKindRadarr)
	backend.setQueue(domain.CheckModeStalled, arr.QueueItem{ID: 4, Status: "warning"})
	backend.fetchErr = errors.New("page 2 failed")

	store := newTrackingStore(t)
	cfg := DefaultConfig()
	cfg.PruneMissing = true
	svc := NewService(cfg, []BackendClient{backend}, store, nil, nil)

	summary := svc.RunOnce(context.Background())
	assert.Equal(t, 1, summary.Detected)
	assert.Equal(t, 0, summary.Pruned)
}

func TestService_PruneMissing(t *testing.T) {
	ctx := context.Background()
	for _, prune := range []bool{false, true} {
		backend := newFakeBackend("Radarr0", domain.BackendKindRadarr)
		store := newTrackingStore(t)
		_, err := store.InsertIfAbsent(ctx, "gone", "Radarr0", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		backend.setQueue(domain.CheckModeStalled, arr.QueueItem{ID: 1, Status: "warning"})

		cfg := DefaultConfig()
		cfg.PruneMissing = prune
		svc := NewService(cfg, []BackendClient{backend}, store, nil, nil)
		summary := svc.RunOnce(ctx)

		rows, err := store.ListByInstance(ctx, "Radarr0")
		require.NoError(t, err)
		assert.Contains(t, rows, "1")
		if prune {
			assert.NotContains(t, rows, "gone")
			assert.Equal(t, 1, summary.Pruned)
		} else {
			assert.Contains(t, rows, "gone", "rows are kept unless pruning is enabled")
		}
	}
}

func TestService_Forget(t *testing.T) {
	ctx := context.Background()
	store := newTrackingStore(t)
	_, err := store.InsertIfAbsent(ctx, "42", "Radarr0", time.Now())
	require.NoError(t, err)

	svc := NewService(DefaultConfig(), nil, store, nil, nil)
	assert.True(t, svc.TrackingEnabled())

	deleted, err := svc.Forget(ctx, "Radarr0", "42")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = svc.Forget(ctx, "Radarr0", "42")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.InsertIfAbsent(ctx, "43", "Radarr0", time.Now())
	require.NoError(t, err)
	deleted, err = svc.Forget(ctx, "radarr0", "43")
	require.NoError(t, err)
	assert.True(t, deleted, "instance names match case-insensitively")

	cfg := DefaultConfig()
	cfg.Timeout = 0
	disabled := NewService(cfg, nil, store, nil, nil)
	assert.False(t, disabled.TrackingEnabled())
	_, err = disabled.Forget(ctx, "Radarr0", "42")
	assert.ErrorIs(t, err, ErrTrackingDisabled)
}

func TestService_ActivityHistoryIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	svc := NewService(cfg, nil, nil, nil, nil)
	clk := newClock()
	svc.now = clk.Now

	for i := range 5 {
		clk.Advance(time.Second)
		svc.recordActivity("Radarr0", string(rune('a'+i)), "", domain.CheckModeStalled, ActivityOutcomeDetected, "")
	}
	clk.Advance(time.Second)
	svc.recordActivity("Sonarr0", "z", "", domain.CheckModeStalled, ActivityOutcomeRemoved, "")

	events := svc.GetActivity("Radarr0", 0)
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].DownloadID)
	assert.Equal(t, "e", events[2].DownloadID)

	all := svc.GetActivity("", 2)
	require.Len(t, all, 2)
	assert.Equal(t, "e", all[0].DownloadID)
	assert.Equal(t, "z", all[1].DownloadID)

	assert.Nil(t, svc.GetActivity("Unknown", 10))
}

func TestService_Probe(t *testing.T) {
	flaky := newFakeBackend("Radarr0", domain.BackendKindRadarr)
	flaky.statusErrs = []error{errors.New("connection refused")}
	flaky.status = &arr.SystemStatus{AppName: "Radarr", Version: "5.14.0.9383"}

	unauthorized := newFakeBackend("Sonarr0", domain.BackendKindSonarr)
	unauthorized.statusErrs = []error{
		&arr.StatusError{Method: http.MethodGet, URL: "http://sonarr", StatusCode: http.StatusUnauthorized},
		&arr.StatusError{Method: http.MethodGet, URL: "http://sonarr", StatusCode: http.StatusUnauthorized},
	}

	cfg := DefaultConfig()
	cfg.ProbeRetryDelay = time.Millisecond
	svc := NewService(cfg, []BackendClient{flaky, unauthorized}, nil, nil, nil)
	svc.Probe(context.Background())

	assert.Equal(t, 2, flaky.statusCalls)
	assert.Equal(t, 1, unauthorized.statusCalls, "a rejected api key is not retried")
}

func TestService_RunStopsOnCancel(t *testing.T) {
	backend := newFakeBackend("Radarr0", domain.BackendKindRadarr)
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	svc := NewService(cfg, []BackendClient{backend}, newTrackingStore(t), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.LastSweep() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, svc.Trigger())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestService_CancelledContextSkipsTargets(t *testing.T) {
	backend := newFakeBackend("Radarr0", domain.BackendKindRadarr)
	svc := NewService(DefaultConfig(), []BackendClient{backend}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.RunOnce(ctx)

	assert.Empty(t, backend.fetches)
}

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.Config{
		StalledTimeout:                    0,
		StalledAction:                     "remove",
		RunInterval:                       60,
		RequestTimeout:                    5,
		CountDownloadingMetadataAsStalled: true,
		PruneMissing:                      true,
	})

	assert.Equal(t, time.Duration(0), cfg.Timeout)
	assert.Equal(t, domain.StalledActionRemove, cfg.Action)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.CheckMetadata)
	assert.True(t, cfg.PruneMissing)
}
