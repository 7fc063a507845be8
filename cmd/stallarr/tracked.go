// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/stallarr/internal/database"
	"github.com/autobrr/stallarr/internal/models"
)

func RunTrackedCommand(configDir *string) *cobra.Command {
	command := &cobra.Command{
		Use:   "tracked",
		Short: "Inspect or clear downloads waiting for the stalled timeout",
	}

	command.AddCommand(runTrackedListCommand(configDir))
	command.AddCommand(runTrackedClearCommand(configDir))

	return command
}

func runTrackedListCommand(configDir *string) *cobra.Command {
	var (
		instance string
		format   string
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "List tracked downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("unknown format %q, expected table or json", format)
			}

			store, timeout, closeFn, err := openTrackingStore(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := store.List(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "failed to list tracked downloads")
			}

			filtered := rows[:0]
			for _, row := range rows {
				if instance == "" || strings.EqualFold(row.Instance, instance) {
					filtered = append(filtered, row)
				}
			}

			return writeTracked(cmd.OutOrStdout(), filtered, format, timeout, time.Now())
		},
	}

	command.Flags().StringVar(&instance, "instance", "", "only show downloads for this instance (e.g. Radarr0)")
	command.Flags().StringVar(&format, "format", "table", "output format: table or json")

	return command
}

func runTrackedClearCommand(configDir *string) *cobra.Command {
	var (
		instance   string
		downloadID string
	)

	command := &cobra.Command{
		Use:   "clear",
		Short: "Forget tracked downloads so their timers restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			if instance == "" {
				return errors.New("--instance is required")
			}

			store, _, closeFn, err := openTrackingStore(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			return clearTracked(cmd.Context(), cmd.OutOrStdout(), store, instance, downloadID)
		},
	}

	command.Flags().StringVar(&instance, "instance", "", "instance name (e.g. Sonarr0)")
	command.Flags().StringVar(&downloadID, "id", "", "single queue item id to forget (default clears the whole instance)")

	return command
}

func openTrackingStore(configDir string) (*models.TrackedDownloadStore, time.Duration, func(), error) {
	app := NewApplication(configDir, "", "")
	cfg, err := app.loadConfig()
	if err != nil {
		return nil, 0, nil, err
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "failed to open database")
	}

	snapshot := cfg.Snapshot()
	closeFn := func() { _ = db.Close() }
	return models.NewTrackedDownloadStore(db), snapshot.Timeout(), closeFn, nil
}

type trackedRow struct {
	DownloadID       string    `json:"downloadId"`
	Instance         string    `json:"instance"`
	FirstDetected    time.Time `json:"firstDetected"`
	ElapsedSeconds   int64     `json:"elapsedSeconds"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

func writeTracked(w io.Writer, rows []*models.TrackedDownload, format string, timeout time.Duration, now time.Time) error {
	out := make([]trackedRow, 0, len(rows))
	for _, row := range rows {
		elapsed := now.Sub(row.FirstDetected)
		out = append(out, trackedRow{
			DownloadID:       row.DownloadID,
			Instance:         row.Instance,
			FirstDetected:    row.FirstDetected,
			ElapsedSeconds:   int64(elapsed.Seconds()),
			RemainingSeconds: int64(max(timeout-elapsed, 0).Seconds()),
		})
	}

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(out) == 0 {
		_, err := fmt.Fprintln(w, "No tracked downloads.")
		return err
	}

	tableRows := make([][]string, 0, len(out))
	for _, row := range out {
		tableRows = append(tableRows, []string{
			row.Instance,
			row.DownloadID,
			row.FirstDetected.Local().Format(time.DateTime),
			formatAge(time.Duration(row.ElapsedSeconds) * time.Second),
			formatAge(time.Duration(row.RemainingSeconds) * time.Second),
		})
	}

	_, err := fmt.Fprintln(w, renderTable(
		[]string{"Instance", "Download ID", "First detected", "Elapsed", "Remaining"},
		tableRows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight},
	))
	return err
}

type trackedDeleter interface {
	Delete(ctx context.Context, downloadID, instance string) (bool, error)
	DeleteByInstance(ctx context.Context, instance string) (int64, error)
}

func clearTracked(ctx context.Context, w io.Writer, store trackedDeleter, instance, downloadID string) error {
	if downloadID != "" {
		deleted, err := store.Delete(ctx, downloadID, instance)
		if err != nil {
			return errors.Wrapf(err, "failed to delete %s/%s", instance, downloadID)
		}
		if !deleted {
			_, err = fmt.Fprintf(w, "%s/%s is not tracked\n", instance, downloadID)
			return err
		}
		_, err = fmt.Fprintf(w, "Forgot %s/%s\n", instance, downloadID)
		return err
	}

	removed, err := store.DeleteByInstance(ctx, instance)
	if err != nil {
		return errors.Wrapf(err, "failed to clear %s", instance)
	}
	_, err = fmt.Fprintf(w, "Forgot %d tracked downloads for %s\n", removed, instance)
	return err
}
