// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/stallarr/internal/database"
)

func newTestStore(t *testing.T) *TrackedDownloadStore {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "stalled_downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTrackedDownloadStore(db)
}

func TestTrackedDownloadStore_InsertIfAbsentIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(10 * time.Minute)

	inserted, err := store.InsertIfAbsent(ctx, "42", "Radarr0", first)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertIfAbsent(ctx, "42", "Radarr0", later)
	require.NoError(t, err)
	assert.False(t, inserted, "second insert must not count as a new detection")

	td, err := store.Get(ctx, "42", "Radarr0")
	require.NoError(t, err)
	assert.True(t, first.Equal(td.FirstDetected), "timer must not reset: got %s", td.FirstDetected)
}

func TestTrackedDownloadStore_KeysAreScopedByInstance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, instance := range []string{"Radarr0", "Sonarr0"} {
		inserted, err := store.InsertIfAbsent(ctx, "7", instance, now)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	radarr, err := store.ListByInstance(ctx, "Radarr0")
	require.NoError(t, err)
	assert.Len(t, radarr, 1)
	assert.Contains(t, radarr, "7")

	deleted, err := store.Delete(ctx, "7", "Radarr0")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.Get(ctx, "7", "Radarr0")
	assert.ErrorIs(t, err, ErrTrackedDownloadNotFound)

	_, err = store.Get(ctx, "7", "Sonarr0")
	assert.NoError(t, err)
}

func TestTrackedDownloadStore_DeleteMissingKey(t *testing.T) {
	store := newTestStore(t)

	deleted, err := store.Delete(context.Background(), "nope", "Radarr0")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTrackedDownloadStore_DeleteMatchesInstanceCaseInsensitively(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"1", "2", "3"} {
		_, err := store.InsertIfAbsent(ctx, id, "Sonarr0", now)
		require.NoError(t, err)
	}
	_, err := store.InsertIfAbsent(ctx, "1", "Radarr0", now)
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, "1", "sonarr0")
	require.NoError(t, err)
	assert.True(t, deleted)

	removed, err := store.DeleteByInstance(ctx, "SONARR0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = store.Get(ctx, "1", "Radarr0")
	assert.NoError(t, err, "other instances are untouched")
}

func TestTrackedDownloadStore_ListOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.InsertIfAbsent(ctx, "b", "Sonarr0", base)
	require.NoError(t, err)
	_, err = store.InsertIfAbsent(ctx, "c", "Radarr0", base.Add(time.Minute))
	require.NoError(t, err)
	_, err = store.InsertIfAbsent(ctx, "a", "Radarr0", base)
	require.NoError(t, err)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	got := make([]string, 0, len(all))
	for _, td := range all {
		got = append(got, td.Instance+"/"+td.DownloadID)
	}
	assert.Equal(t, []string{"Radarr0/a", "Radarr0/c", "Sonarr0/b"}, got)
}

func TestTrackedDownloadStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"1", "2", "3"} {
		_, err := store.InsertIfAbsent(ctx, id, "Sonarr1", now)
		require.NoError(t, err)
	}
	_, err := store.InsertIfAbsent(ctx, "9", "Sonarr0", now)
	require.NoError(t, err)

	removed, err := store.Prune(ctx, "Sonarr1", map[string]struct{}{"2": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, removed)

	remaining, err := store.ListByInstance(ctx, "Sonarr1")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Contains(t, remaining, "2")

	other, err := store.ListByInstance(ctx, "Sonarr0")
	require.NoError(t, err)
	assert.Len(t, other, 1, "prune must not touch other instances")
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		raw  any
	}{
		{name: "time_value", raw: want},
		{name: "rfc3339_string", raw: "2025-01-02T03:04:05Z"},
		{name: "python_isoformat", raw: "2025-01-02T03:04:05+00:00"},
		{name: "bytes", raw: []byte("2025-01-02T03:04:05Z")},
		{name: "space_separated", raw: "2025-01-02 03:04:05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(tt.raw)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	_, err := parseTimestamp(42)
	assert.Error(t, err)
}
