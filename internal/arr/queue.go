// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/autobrr/stallarr/internal/domain"
)

const (
	// QueuePageSize is the page size requested from /queue.
	QueuePageSize = 50
	// maxQueuePages stops a backend that keeps reporting more records than it returns.
	maxQueuePages = 1000
)

// QueueItem is one record of the backend's download queue. Optional ids are nil when absent.
type QueueItem struct {
	ID                    int64   `json:"id"`
	Title                 string  `json:"title"`
	Status                string  `json:"status"`
	ErrorMessage          string  `json:"errorMessage"`
	TrackedDownloadStatus string  `json:"trackedDownloadStatus"`
	TrackedDownloadState  string  `json:"trackedDownloadState"`
	DownloadID            string  `json:"downloadId"`
	DownloadClient        string  `json:"downloadClient"`
	Indexer               string  `json:"indexer"`
	Protocol              string  `json:"protocol"`
	Size                  float64 `json:"size"`
	SizeLeft              float64 `json:"sizeleft"`
	MovieID               *int64  `json:"movieId,omitempty"`
	SeriesID              *int64  `json:"seriesId,omitempty"`
	EpisodeID             *int64  `json:"episodeId,omitempty"`
	EpisodeIDs            []int64 `json:"episodeIds,omitempty"`
}

// QueuePage is a single page of GET /queue.
type QueuePage struct {
	Page         int         `json:"page"`
	PageSize     int         `json:"pageSize"`
	TotalRecords int         `json:"totalRecords"`
	Records      []QueueItem `json:"records"`
}

func (c *Client) queueQuery(mode domain.CheckMode, page int) url.Values {
	return url.Values{
		"protocol":       {"torrent"},
		"status":         {mode.StatusFilter()},
		"includeEpisode": {strconv.FormatBool(c.target.Kind == domain.BackendKindSonarr)},
		"page":           {strconv.Itoa(page)},
		"pageSize":       {strconv.Itoa(QueuePageSize)},
	}
}

// FetchQueue pages through the torrent queue filtered for mode until an empty page is returned
// or the reported totalRecords have been collected. On error the records gathered so far are returned with it.
func (c *Client) FetchQueue(ctx context.Context, mode domain.CheckMode) ([]QueueItem, error) {
	var (
		items []QueueItem
		total int
	)

	for page := 1; page <= maxQueuePages; page++ {
		var resp QueuePage
		if err := c.do(ctx, http.MethodGet, "/queue", c.queueQuery(mode, page), nil, &resp); err != nil {
			return items, err
		}
		if len(resp.Records) == 0 {
			break
		}
		items = append(items, resp.Records...)

		// A missing or zero totalRecords keeps the previous total; without one only an empty page stops.
		if resp.TotalRecords > 0 {
			total = resp.TotalRecords
		}
		if total > 0 && len(items) >= total {
			break
		}
	}

	return items, nil
}
