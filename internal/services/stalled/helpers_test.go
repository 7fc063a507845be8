// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/database"
	"github.com/autobrr/stallarr/internal/domain"
	"github.com/autobrr/stallarr/internal/models"
)

type fakeBackend struct {
	target domain.BackendTarget

	mu          sync.Mutex
	queue       map[domain.CheckMode][]arr.QueueItem
	fetchErr    error
	deleteErr   error
	commandErr  error
	status      *arr.SystemStatus
	statusErrs  []error
	statusCalls int
	fetches     []domain.CheckMode
	deleted     []string
	commands    []arr.Command
}

func newFakeBackend(name string, kind domain.BackendKind) *fakeBackend {
	return &fakeBackend{
		target: domain.BackendTarget{Name: name, BaseURL: "http://" + name, Kind: kind, APIVersion: domain.DefaultAPIVersion},
		queue:  make(map[domain.CheckMode][]arr.QueueItem),
	}
}

func (f *fakeBackend) Target() domain.BackendTarget { return f.target }

func (f *fakeBackend) setQueue(mode domain.CheckMode, items ...arr.QueueItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[mode] = items
}

func (f *fakeBackend) FetchQueue(_ context.Context, mode domain.CheckMode) ([]arr.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, mode)
	return append([]arr.QueueItem(nil), f.queue[mode]...), f.fetchErr
}

func (f *fakeBackend) DeleteQueueItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeBackend) SendCommand(_ context.Context, cmd arr.Command) (*arr.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	return &arr.CommandResponse{ID: int64(len(f.commands)), Name: cmd.Name, Status: "queued"}, nil
}

func (f *fakeBackend) SystemStatus(context.Context) (*arr.SystemStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		return nil, err
	}
	return f.status, nil
}

func (f *fakeBackend) snapshot() (deleted []string, commands []arr.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...), append([]arr.Command(nil), f.commands...)
}

func newTrackingStore(t *testing.T) *models.TrackedDownloadStore {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "stalled_downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return models.NewTrackedDownloadStore(db)
}

// clock is a settable time source for Service.now.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func int64Ptr(v int64) *int64 { return &v }
