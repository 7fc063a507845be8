// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

// FilterEnv is the environment an ignore expression is evaluated against.
type FilterEnv struct {
	Title                 string
	Status                string
	ErrorMessage          string
	Indexer               string
	DownloadClient        string
	Protocol              string
	Size                  float64
	SizeLeft              float64
	TrackedDownloadStatus string
	TrackedDownloadState  string
	Instance              string
	Mode                  string
}

// Filter excludes queue items matching a compiled expression, e.g.
// `Indexer == "MyTracker" || SizeLeft < 1e6`.
type Filter struct {
	source  string
	program *vm.Program
}

// NewFilter compiles source. An empty source yields a nil Filter which ignores nothing.
func NewFilter(source string) (*Filter, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}

	program, err := expr.Compile(source, expr.Env(FilterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile ignore expression: %w", err)
	}
	return &Filter{source: source, program: program}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Ignore evaluates the expression for item.
func (f *Filter) Ignore(item arr.QueueItem, target domain.BackendTarget, mode domain.CheckMode) (bool, error) {
	if f == nil || f.program == nil {
		return false, nil
	}

	env := FilterEnv{
		Title:                 item.Title,
		Status:                item.Status,
		ErrorMessage:          item.ErrorMessage,
		Indexer:               item.Indexer,
		DownloadClient:        item.DownloadClient,
		Protocol:              item.Protocol,
		Size:                  item.Size,
		SizeLeft:              item.SizeLeft,
		TrackedDownloadStatus: item.TrackedDownloadStatus,
		TrackedDownloadState:  item.TrackedDownloadState,
		Instance:              target.Name,
		Mode:                  string(mode),
	}

	result, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate ignore expression: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("ignore expression returned %T", result)
	}
	return matched, nil
}
