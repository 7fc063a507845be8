// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/autobrr/stallarr/internal/services/stalled"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func renderSummary(summary stalled.SweepSummary) string {
	rows := [][]string{
		{"targets", strconv.Itoa(summary.Targets)},
		{"fetched", strconv.Itoa(summary.Fetched)},
		{"detected", strconv.Itoa(summary.Detected)},
		{"waiting", strconv.Itoa(summary.Waiting)},
		{"remediated", strconv.Itoa(summary.Remediated)},
		{"failed", strconv.Itoa(summary.Failed)},
		{"fetch errors", strconv.Itoa(summary.FetchErrors)},
		{"pruned", strconv.Itoa(summary.Pruned)},
		{"duration", summary.Duration.Round(time.Millisecond).String()},
	}
	return renderTable([]string{"Sweep", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return d.String()
}
