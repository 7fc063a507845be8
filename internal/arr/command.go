// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"net/http"
	"net/url"
)

const (
	CommandEpisodeSearch = "EpisodeSearch"
	CommandSeriesSearch  = "SeriesSearch"
	CommandMoviesSearch  = "MoviesSearch"
)

// Command is the body of POST /command. Only the fields of the named command are set.
type Command struct {
	Name       string  `json:"name"`
	EpisodeIDs []int64 `json:"episodeIds,omitempty"`
	SeriesID   *int64  `json:"seriesId,omitempty"`
	MovieIDs   []int64 `json:"movieIds,omitempty"`
}

func EpisodeSearch(episodeIDs []int64) Command {
	return Command{Name: CommandEpisodeSearch, EpisodeIDs: episodeIDs}
}

func SeriesSearch(seriesID int64) Command {
	return Command{Name: CommandSeriesSearch, SeriesID: &seriesID}
}

func MoviesSearch(movieIDs ...int64) Command {
	return Command{Name: CommandMoviesSearch, MovieIDs: movieIDs}
}

// CommandResponse is the queued command as acknowledged by the backend.
type CommandResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// DeleteQueueItem removes a queue entry and blocklists its release without an automatic
// redownload. A 404 surfaces as an error matching ErrNotFound.
func (c *Client) DeleteQueueItem(ctx context.Context, id string) error {
	query := url.Values{
		"blocklist":      {"true"},
		"skipRedownload": {"false"},
	}
	return c.do(ctx, http.MethodDelete, "/queue/"+url.PathEscape(id), query, nil, nil)
}

// SendCommand posts cmd to /command.
func (c *Client) SendCommand(ctx context.Context, cmd Command) (*CommandResponse, error) {
	var resp CommandResponse
	if err := c.do(ctx, http.MethodPost, "/command", nil, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
