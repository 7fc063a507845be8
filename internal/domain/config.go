// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Version string `mapstructure:"-"`

	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	APIEnabled    bool   `mapstructure:"apiEnabled"`
	APIKey        string `mapstructure:"apiKey"`
	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
	Verbose       bool   `mapstructure:"verbose"`
	DataDir       string `mapstructure:"dataDir"`

	MetricsEnabled        bool   `mapstructure:"metricsEnabled"`
	MetricsHost           string `mapstructure:"metricsHost"`
	MetricsPort           int    `mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `mapstructure:"metricsBasicAuthUsers"`

	RadarrURL    string `mapstructure:"radarrUrl"`
	RadarrAPIKey string `mapstructure:"radarrApiKey"`
	SonarrURL    string `mapstructure:"sonarrUrl"`
	SonarrAPIKey string `mapstructure:"sonarrApiKey"`
	APIVersion   string `mapstructure:"apiVersion"`

	StalledTimeout                    int    `mapstructure:"stalledTimeout"`
	StalledAction                     string `mapstructure:"stalledAction"`
	RunInterval                       int    `mapstructure:"runInterval"`
	RequestTimeout                    int    `mapstructure:"requestTimeout"`
	CountDownloadingMetadataAsStalled bool   `mapstructure:"countDownloadingMetadataAsStalled"`
	IgnoreExpression                  string `mapstructure:"ignoreExpression"`
	PruneMissing                      bool   `mapstructure:"pruneMissing"`
}

// Validate checks the values the stall engine depends on.
func (c *Config) Validate() error {
	if c.StalledTimeout < 0 {
		return fmt.Errorf("stalledTimeout must be >= 0, got %d", c.StalledTimeout)
	}
	if _, err := ParseStalledAction(c.StalledAction); err != nil {
		return err
	}
	if _, err := c.Targets(); err != nil {
		return err
	}
	return nil
}

// Action returns the parsed stalled action, defaulting to blocklist and search.
func (c *Config) Action() StalledAction {
	action, err := ParseStalledAction(c.StalledAction)
	if err != nil {
		return StalledActionBlocklistAndSearch
	}
	return action
}

// Timeout is the debounce window. Zero disables debouncing.
func (c *Config) Timeout() time.Duration {
	if c.StalledTimeout <= 0 {
		return 0
	}
	return time.Duration(c.StalledTimeout) * time.Second
}

func (c *Config) Interval() time.Duration {
	if c.RunInterval <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.RunInterval) * time.Second
}

func (c *Config) HTTPTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// Targets pairs the configured URL and API key lists by position.
func (c *Config) Targets() ([]BackendTarget, error) {
	apiVersion := strings.TrimSpace(c.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	radarr, err := buildTargets(BackendKindRadarr, c.RadarrURL, c.RadarrAPIKey, apiVersion)
	if err != nil {
		return nil, err
	}
	sonarr, err := buildTargets(BackendKindSonarr, c.SonarrURL, c.SonarrAPIKey, apiVersion)
	if err != nil {
		return nil, err
	}

	return append(radarr, sonarr...), nil
}

func buildTargets(kind BackendKind, rawURLs, rawKeys, apiVersion string) ([]BackendTarget, error) {
	urls := SplitList(rawURLs)
	keys := SplitList(rawKeys)
	if len(urls) == 0 {
		return nil, nil
	}
	if len(urls) != len(keys) {
		return nil, fmt.Errorf("%s: %d urls configured but %d api keys", kind.Label(), len(urls), len(keys))
	}

	targets := make([]BackendTarget, 0, len(urls))
	for i, u := range urls {
		targets = append(targets, BackendTarget{
			Name:       fmt.Sprintf("%s%d", kind.Label(), i),
			BaseURL:    strings.TrimRight(u, "/"),
			APIKey:     keys[i],
			Kind:       kind,
			APIVersion: apiVersion,
		})
	}
	return targets, nil
}

// SplitList splits a comma separated value, dropping blank entries.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
