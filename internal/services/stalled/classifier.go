// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"strings"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

const (
	metadataToken = "downloading metadata"
	warningStatus = "warning"
)

var stalledTokens = []string{"stalled", "connection"}

// Classify reports whether item needs tracking under mode.
//
// In stalled mode a raw "warning" status is enough on its own; the message match only widens
// the set. Metadata mode looks at the message alone.
func Classify(item arr.QueueItem, mode domain.CheckMode) bool {
	message := strings.ToLower(item.ErrorMessage)

	if mode == domain.CheckModeMetadataStuck {
		return strings.Contains(message, metadataToken)
	}

	for _, token := range stalledTokens {
		if strings.Contains(message, token) {
			return true
		}
	}
	return item.Status == warningStatus
}
