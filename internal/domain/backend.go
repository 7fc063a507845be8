// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"strings"
)

const DefaultAPIVersion = "v3"

// BackendKind identifies which acquisition manager a target speaks to.
type BackendKind string

const (
	BackendKindRadarr BackendKind = "radarr"
	BackendKindSonarr BackendKind = "sonarr"
)

// Label is the prefix used for instance names, e.g. "Radarr0".
func (k BackendKind) Label() string {
	switch k {
	case BackendKindRadarr:
		return "Radarr"
	case BackendKindSonarr:
		return "Sonarr"
	default:
		return string(k)
	}
}

// BackendTarget is one configured backend instance. Immutable after startup.
type BackendTarget struct {
	Name       string      `json:"name"`
	BaseURL    string      `json:"baseUrl"`
	APIKey     string      `json:"-"`
	Kind       BackendKind `json:"kind"`
	APIVersion string      `json:"apiVersion"`
}

type StalledAction string

const (
	StalledActionRemove             StalledAction = "REMOVE"
	StalledActionBlocklistAndSearch StalledAction = "BLOCKLIST_AND_SEARCH"
)

func ParseStalledAction(raw string) (StalledAction, error) {
	switch StalledAction(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", StalledActionBlocklistAndSearch:
		return StalledActionBlocklistAndSearch, nil
	case StalledActionRemove:
		return StalledActionRemove, nil
	default:
		return "", fmt.Errorf("invalid stalledAction %q: expected REMOVE or BLOCKLIST_AND_SEARCH", raw)
	}
}

// CheckMode selects which queue items a cycle is looking for.
type CheckMode string

const (
	CheckModeStalled       CheckMode = "stalled"
	CheckModeMetadataStuck CheckMode = "metadata"
)

// StatusFilter is the server-side queue status filter for the mode.
func (m CheckMode) StatusFilter() string {
	if m == CheckModeMetadataStuck {
		return "queued"
	}
	return "warning"
}

func (m CheckMode) String() string {
	if m == CheckModeMetadataStuck {
		return "Downloading Metadata"
	}
	return "Stalled"
}
