// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		item arr.QueueItem
		mode domain.CheckMode
		want bool
	}{
		{
			name: "stalled message",
			item: arr.QueueItem{Status: "downloading", ErrorMessage: "The download is stalled with no connections"},
			mode: domain.CheckModeStalled,
			want: true,
		},
		{
			name: "connection message uppercase",
			item: arr.QueueItem{Status: "downloading", ErrorMessage: "CONNECTION refused by peer"},
			mode: domain.CheckModeStalled,
			want: true,
		},
		{
			name: "warning status without message",
			item: arr.QueueItem{Status: "warning"},
			mode: domain.CheckModeStalled,
			want: true,
		},
		{
			name: "healthy download",
			item: arr.QueueItem{Status: "downloading", ErrorMessage: "Downloading"},
			mode: domain.CheckModeStalled,
		},
		{
			name: "metadata message in stalled mode",
			item: arr.QueueItem{Status: "queued", ErrorMessage: "qBittorrent is downloading metadata"},
			mode: domain.CheckModeStalled,
		},
		{
			name: "metadata message",
			item: arr.QueueItem{Status: "queued", ErrorMessage: "qBittorrent is Downloading Metadata"},
			mode: domain.CheckModeMetadataStuck,
			want: true,
		},
		{
			name: "warning status in metadata mode",
			item: arr.QueueItem{Status: "warning"},
			mode: domain.CheckModeMetadataStuck,
		},
		{
			name: "stalled message in metadata mode",
			item: arr.QueueItem{ErrorMessage: "stalled"},
			mode: domain.CheckModeMetadataStuck,
		},
		{
			name: "empty item stalled mode",
			mode: domain.CheckModeStalled,
		},
		{
			name: "empty item metadata mode",
			mode: domain.CheckModeMetadataStuck,
		},
		{
			name: "unknown mode behaves as stalled",
			item: arr.QueueItem{Status: "warning"},
			mode: domain.CheckMode("other"),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Classify(tt.item, tt.mode)
			second := Classify(tt.item, tt.mode)
			assert.Equal(t, tt.want, first)
			assert.Equal(t, first, second, "classification must be deterministic")
		})
	}
}
