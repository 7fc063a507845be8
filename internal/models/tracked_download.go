// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/autobrr/stallarr/internal/dbinterface"
)

var ErrTrackedDownloadNotFound = errors.New("tracked download not found")

// TrackedDownload records when a queue item was first seen stalled on a backend instance.
type TrackedDownload struct {
	DownloadID    string    `json:"downloadId"`
	Instance      string    `json:"instance"`
	FirstDetected time.Time `json:"firstDetected"`
}

// TrackedDownloadStore persists TrackedDownload rows keyed by (download_id, arr_service).
type TrackedDownloadStore struct {
	db dbinterface.Querier
}

func NewTrackedDownloadStore(db dbinterface.Querier) *TrackedDownloadStore {
	return &TrackedDownloadStore{db: db}
}

// InsertIfAbsent starts the timer for a key. An existing row is left untouched and
// false is returned, so the first detection time never moves.
func (s *TrackedDownloadStore) InsertIfAbsent(ctx context.Context, downloadID, instance string, firstDetected time.Time) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO stalled_downloads (download_id, first_detected, arr_service)
		VALUES (?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, downloadID, formatTimestamp(firstDetected), instance)
	if err != nil {
		return false, fmt.Errorf("insert tracked download: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert tracked download: %w", err)
	}
	return affected > 0, nil
}

// Get returns a single row or ErrTrackedDownloadNotFound.
func (s *TrackedDownloadStore) Get(ctx context.Context, downloadID, instance string) (*TrackedDownload, error) {
	const query = `SELECT download_id, first_detected, arr_service FROM stalled_downloads
		WHERE download_id = ? AND arr_service = ?`

	row := s.db.QueryRowContext(ctx, query, downloadID, instance)
	td, err := scanTrackedDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTrackedDownloadNotFound
		}
		return nil, err
	}
	return td, nil
}

// ListByInstance returns download id -> first detection time for one backend instance.
func (s *TrackedDownloadStore) ListByInstance(ctx context.Context, instance string) (map[string]time.Time, error) {
	const query = `SELECT download_id, first_detected, arr_service FROM stalled_downloads WHERE arr_service = ?`

	rows, err := s.db.QueryContext(ctx, query, instance)
	if err != nil {
		return nil, fmt.Errorf("list tracked downloads: %w", err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		td, err := scanTrackedDownload(rows)
		if err != nil {
			return nil, err
		}
		result[td.DownloadID] = td.FirstDetected
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns every row ordered by instance and first detection.
func (s *TrackedDownloadStore) List(ctx context.Context) ([]*TrackedDownload, error) {
	const query = `SELECT download_id, first_detected, arr_service FROM stalled_downloads`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tracked downloads: %w", err)
	}
	defer rows.Close()

	var result []*TrackedDownload
	for rows.Next() {
		td, err := scanTrackedDownload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, td)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Instance != result[j].Instance {
			return result[i].Instance < result[j].Instance
		}
		return result[i].FirstDetected.Before(result[j].FirstDetected)
	})
	return result, nil
}

// Delete removes one key and reports whether a row existed. The instance name is matched
// case-insensitively, like the instance filters of the API and CLI listings.
func (s *TrackedDownloadStore) Delete(ctx context.Context, downloadID, instance string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stalled_downloads WHERE download_id = ? AND arr_service = ? COLLATE NOCASE`, downloadID, instance)
	if err != nil {
		return false, fmt.Errorf("delete tracked download: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete tracked download: %w", err)
	}
	return affected > 0, nil
}

// DeleteByInstance removes all rows of an instance, matching the name case-insensitively.
func (s *TrackedDownloadStore) DeleteByInstance(ctx context.Context, instance string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stalled_downloads WHERE arr_service = ? COLLATE NOCASE`, instance)
	if err != nil {
		return 0, fmt.Errorf("delete tracked downloads: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes rows of an instance whose id is not in keep and returns the removed ids.
func (s *TrackedDownloadStore) Prune(ctx context.Context, instance string, keep map[string]struct{}) ([]string, error) {
	existing, err := s.ListByInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	var removed []string
	for downloadID := range existing {
		if _, ok := keep[downloadID]; ok {
			continue
		}
		deleted, err := s.Delete(ctx, downloadID, instance)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed = append(removed, downloadID)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp accepts what the driver hands back for a TIMESTAMP column:
// a time.Time when it could parse the text, otherwise the raw ISO-8601 text.
func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimestampString(v)
	case []byte:
		return parseTimestampString(string(v))
	default:
		return time.Time{}, fmt.Errorf("unsupported first_detected type %T", raw)
	}
}

func parseTimestampString(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse first_detected %q", s)
}

func scanTrackedDownload(scanner interface {
	Scan(dest ...any) error
}) (*TrackedDownload, error) {
	var (
		downloadID string
		rawFirst   any
		instance   string
	)
	if err := scanner.Scan(&downloadID, &rawFirst, &instance); err != nil {
		return nil, err
	}

	firstDetected, err := parseTimestamp(rawFirst)
	if err != nil {
		return nil, fmt.Errorf("tracked download %s/%s: %w", instance, downloadID, err)
	}

	return &TrackedDownload{
		DownloadID:    downloadID,
		Instance:      instance,
		FirstDetected: firstDetected,
	}, nil
}
