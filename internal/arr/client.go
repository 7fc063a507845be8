// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/stallarr/internal/buildinfo"
	"github.com/autobrr/stallarr/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Both backends moved to the v3 API with their 3.0 releases.
var minSupportedVersion = semver.MustParse("3.0.0")

// Client talks to a single Radarr or Sonarr instance.
type Client struct {
	target     domain.BackendTarget
	httpClient *http.Client
}

// NewClient builds a client for target. A non-positive timeout falls back to 30s.
func NewClient(target domain.BackendTarget, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if target.APIVersion == "" {
		target.APIVersion = domain.DefaultAPIVersion
	}
	target.BaseURL = strings.TrimRight(target.BaseURL, "/")

	return &Client{
		target:     target,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Target returns the backend this client was built for.
func (c *Client) Target() domain.BackendTarget {
	return c.target
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.target.BaseURL + "/api/" + c.target.APIVersion + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "arr: encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.endpoint(path, query)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrapf(err, "arr: build %s request", method)
	}
	req.Header.Set("X-Api-Key", c.target.APIKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Trace().Str("instance", c.target.Name).Str("method", method).Str("url", endpoint).Msg("arr: request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "arr: %s %s", method, endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(err, "arr: decode %s %s", method, endpoint)
	}
	return nil
}

// SystemStatus is the subset of /system/status used for the startup probe.
type SystemStatus struct {
	AppName      string `json:"appName"`
	InstanceName string `json:"instanceName"`
	Version      string `json:"version"`
}

// Supported reports whether the backend version is at least 3.0.0. Backend versions carry a
// fourth build segment which is ignored.
func (s *SystemStatus) Supported() (bool, error) {
	v, err := parseAppVersion(s.Version)
	if err != nil {
		return false, err
	}
	return !v.LessThan(minSupportedVersion), nil
}

// SystemStatus fetches GET /api/{v}/system/status.
func (c *Client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.do(ctx, http.MethodGet, "/system/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func parseAppVersion(raw string) (*semver.Version, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, errors.Wrapf(err, "arr: parse version %q", raw)
	}
	return v, nil
}
