// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stalled

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/stallarr/internal/arr"
	"github.com/autobrr/stallarr/internal/domain"
)

// ErrTrackingDisabled is returned by store operations when the timeout is zero.
var ErrTrackingDisabled = errors.New("tracking disabled: stalledTimeout is 0")

// Config controls sweep cadence and remediation policy.
type Config struct {
	Interval        time.Duration
	Timeout         time.Duration
	Action          domain.StalledAction
	RequestTimeout  time.Duration
	CheckMetadata   bool
	PruneMissing    bool
	HistorySize     int
	ProgressEvery   time.Duration
	ProbeAttempts   uint
	ProbeRetryDelay time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        300 * time.Second,
		Timeout:         900 * time.Second,
		Action:          domain.StalledActionBlocklistAndSearch,
		RequestTimeout:  30 * time.Second,
		HistorySize:     defaultHistorySize,
		ProgressEvery:   time.Minute,
		ProbeAttempts:   3,
		ProbeRetryDelay: 2 * time.Second,
	}
}

// ConfigFromDomain derives the service config from the loaded application config.
func ConfigFromDomain(cfg domain.Config) Config {
	out := DefaultConfig()
	out.Interval = cfg.Interval()
	out.Timeout = cfg.Timeout()
	out.Action = cfg.Action()
	out.RequestTimeout = cfg.HTTPTimeout()
	out.CheckMetadata = cfg.CountDownloadingMetadataAsStalled
	out.PruneMissing = cfg.PruneMissing
	return out
}

// Store is the full tracking store the service uses, including pruning.
type Store interface {
	TrackingStore
	Prune(ctx context.Context, instance string, keep map[string]struct{}) ([]string, error)
}

// Recorder receives sweep observations. metrics.Collector implements it.
type Recorder interface {
	ObserveFetch(instance, mode string, items int, err error)
	ObserveDetection(instance, mode string)
	ObserveRemediation(instance, outcome string)
	ObserveSearchCommand(instance, command string, err error)
	SetTracked(instance string, count int)
	ObserveSweep(duration time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveFetch(string, string, int, error) {}
func (noopRecorder) ObserveDetection(string, string) {}
func (noopRecorder) ObserveRemediation(string, string) {}
func (noopRecorder) ObserveSearchCommand(string, string, error) {}
func (noopRecorder) SetTracked(string, int) {}
func (noopRecorder) ObserveSweep(time.Duration) {}

// SweepSummary describes the last completed sweep.
type SweepSummary struct {
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
	Duration    time.Duration `json:"duration"`
	Targets     int           `json:"targets"`
	Fetched     int           `json:"fetched"`
	Detected    int           `json:"detected"`
	Waiting     int           `json:"waiting"`
	Remediated  int           `json:"remediated"`
	Failed      int           `json:"failed"`
	FetchErrors int           `json:"fetchErrors"`
	Pruned      int           `json:"pruned"`
}

// Service polls every backend, debounces stalled items and remediates them.
type Service struct {
	cfg       Config
	clients   []BackendClient
	store     Store
	debouncer *Debouncer
	recorder  Recorder
	now       func() time.Time
	trigger   chan struct{}

	sweepMu    sync.Mutex
	lastMu     sync.RWMutex
	last       *SweepSummary
	history    map[string][]ActivityEvent
	historyMu  sync.RWMutex
	historyCap int
}

// NewService constructs a Service. store is ignored when cfg.Timeout is zero; recorder may be nil.
func NewService(cfg Config, clients []BackendClient, store Store, filter *Filter, recorder Recorder) *Service {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	if cfg.Action == "" {
		cfg.Action = defaults.Action
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = defaults.ProbeAttempts
	}
	if cfg.Timeout == 0 {
		store = nil
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	var trackingStore TrackingStore
	if store != nil {
		trackingStore = store
	}

	return &Service{
		cfg:        cfg,
		clients:    clients,
		store:      store,
		debouncer:  NewDebouncer(trackingStore, cfg.Timeout, filter, cfg.ProgressEvery),
		recorder:   recorder,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		history:    make(map[string][]ActivityEvent),
		historyCap: cfg.HistorySize,
	}
}

// Targets lists the configured backends in sweep order.
func (s *Service) Targets() []domain.BackendTarget {
	targets := make([]domain.BackendTarget, 0, len(s.clients))
	for _, client := range s.clients {
		targets = append(targets, client.Target())
	}
	return targets
}

// TrackingEnabled reports whether a store backs the debounce timers.
func (s *Service) TrackingEnabled() bool {
	return s.store != nil
}

// Start launches Run in the background.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go func() {
		_ = s.Run(ctx)
	}()
}

// Run sweeps immediately, then on every interval tick or trigger until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	log.Info().
		Int("targets", len(s.clients)).
		Dur("interval", s.cfg.Interval).
		Dur("timeout", s.cfg.Timeout).
		Str("action", string(s.cfg.Action)).
		Bool("metadata", s.cfg.CheckMetadata).
		Msg("stalled: starting monitor")

	s.RunOnce(ctx)
	s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stalled: monitor stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.trigger:
			s.RunOnce(ctx)
		}
	}
}

// Trigger requests a sweep from the Run loop. It returns false when one is already pending.
func (s *Service) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastSweep returns the summary of the most recent sweep, or nil before the first one.
func (s *Service) LastSweep() *SweepSummary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return nil
	}
	summary := *s.last
	return &summary
}

// Probe checks every backend's system status, retrying transient failures. Failures are logged only.
func (s *Service) Probe(ctx context.Context) {
	for _, client := range s.clients {
		target := client.Target()
		var status *arr.SystemStatus

		err := retry.Do(
			func() error {
				probeCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
				defer cancel()
				st, err := client.SystemStatus(probeCtx)
				if err != nil {
					return err
				}
				status = st
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(s.cfg.ProbeAttempts),
			retry.Delay(s.cfg.ProbeRetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var statusErr *arr.StatusError
				return !errors.As(err, &statusErr) || !statusErr.IsUnauthorized()
			}),
			retry.OnRetry(func(n uint, err error) {
				log.Debug().Err(err).Str("instance", target.Name).Uint("attempt", n+1).Msg("stalled: retrying backend probe")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Str("instance", target.Name).Str("url", target.BaseURL).Msg("stalled: backend unreachable, will keep polling")
			continue
		}

		supported, err := status.Supported()
		switch {
		case err != nil:
			log.Warn().Err(err).Str("instance", target.Name).Str("version", status.Version).Msg("stalled: could not parse backend version")
		case !supported:
			log.Warn().Str("instance", target.Name).Str("version", status.Version).Msg("stalled: backend version is older than 3.0.0, the v3 API may be missing")
		default:
			log.Info().Str("instance", target.Name).Str("app", status.AppName).Str("version", status.Version).Msg("stalled: backend reachable")
		}
	}
}

// RunOnce performs one full sweep across all targets. Sweeps never overlap.
func (s *Service) RunOnce(ctx context.Context) SweepSummary {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	summary := SweepSummary{StartedAt: s.currentTime(), Targets: len(s.clients)}
	for _, client := range s.clients {
		if ctx.Err() != nil {
			break
		}
		s.sweepTarget(ctx, client, &summary)
	}
	summary.FinishedAt = s.currentTime()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	s.recorder.ObserveSweep(summary.Duration)

	log.Debug().
		Int("targets", summary.Targets).
		Int("fetched", summary.Fetched).
		Int("detected", summary.Detected).
		Int("remediated", summary.Remediated).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("stalled: sweep finished")

	s.lastMu.Lock()
	s.last = &summary
	s.lastMu.Unlock()
	return summary
}

func (s *Service) modes() []domain.CheckMode {
	if s.cfg.CheckMetadata {
		return []domain.CheckMode{domain.CheckModeStalled, domain.CheckModeMetadataStuck}
	}
	return []domain.CheckMode{domain.CheckModeStalled}
}

func (s *Service) sweepTarget(ctx context.Context, client BackendClient, summary *SweepSummary) {
	target := client.Target()
	keep := make(map[string]struct{})
	complete := true

	for _, mode := range s.modes() {
		if ctx.Err() != nil {
			return
		}
		classified, ok := s.runCycle(ctx, client, mode, summary)
		if !ok {
			complete = false
		}
		for _, id := range classified {
			keep[id] = struct{}{}
		}
	}

	if s.store == nil || ctx.Err() != nil {
		return
	}

	if s.cfg.PruneMissing && complete {
		removed, err := s.store.Prune(ctx, target.Name, keep)
		if err != nil {
			log.Error().Err(err).Str("instance", target.Name).Msg("stalled: failed to prune tracked downloads")
		} else if len(removed) > 0 {
			summary.Pruned += len(removed)
			log.Info().Str("instance", target.Name).Strs("downloadIDs", removed).Msg("stalled: pruned downloads no longer in queue")
		}
	}

	if tracked, err := s.store.ListByInstance(ctx, target.Name); err == nil {
		s.recorder.SetTracked(target.Name, len(tracked))
	}
}

// runCycle fetches, reconciles and remediates one target in one mode. It returns the ids
// classified this cycle and whether the fetch completed without error.
func (s *Service) runCycle(ctx context.Context, client BackendClient, mode domain.CheckMode, summary *SweepSummary) ([]string, bool) {
	target := client.Target()

	items, err := client.FetchQueue(ctx, mode)
	s.recorder.ObserveFetch(target.Name, string(mode), len(items), err)
	summary.Fetched += len(items)
	if err != nil {
		summary.FetchErrors++
		log.Error().Err(err).Str("instance", target.Name).Str("mode", string(mode)).Int("partial", len(items)).Msg("stalled: failed to fetch queue")
	}

	result := s.debouncer.Reconcile(ctx, target, mode, items, s.currentTime())
	summary.Waiting += result.Waiting
	for _, detection := range result.Detected {
		summary.Detected++
		s.recorder.ObserveDetection(target.Name, string(mode))
		s.recordActivity(target.Name, detection.DownloadID, detection.Title, mode, ActivityOutcomeDetected, "")
	}

	for _, req := range result.Requests {
		if ctx.Err() != nil {
			break
		}
		if s.handleRequest(ctx, client, req) {
			summary.Remediated++
		} else {
			summary.Failed++
		}
	}

	return result.Classified, err == nil && result.Errors == 0
}

// handleRequest remediates one item and clears its tracking row once the queue entry is gone.
// Backend calls are detached from ctx so a delete is never left without its search and row cleanup.
func (s *Service) handleRequest(ctx context.Context, client BackendClient, req RemediationRequest) bool {
	target := client.Target()
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*s.cfg.RequestTimeout)
	defer cancel()

	log.Info().
		Str("instance", target.Name).
		Str("downloadID", req.DownloadID).
		Str("title", req.Title).
		Str("mode", req.Mode.String()).
		Dur("elapsed", req.Elapsed.Truncate(time.Second)).
		Str("action", string(s.cfg.Action)).
		Msg("stalled: timeout reached, remediating")

	result := Remediate(itemCtx, client, req, s.cfg.Action)
	s.recorder.ObserveRemediation(target.Name, string(result.Outcome))
	if result.Command != nil {
		var cmdErr error
		if result.Outcome == ActivityOutcomeSearchFailed {
			cmdErr = result.Err
		}
		s.recorder.ObserveSearchCommand(target.Name, result.Command.Name, cmdErr)
	}

	reason := ""
	if result.Err != nil {
		reason = result.Err.Error()
	} else if result.AlreadyGone {
		reason = "already gone from queue"
	}
	s.recordActivity(target.Name, req.DownloadID, req.Title, req.Mode, result.Outcome, reason)

	if !result.Removed {
		return false
	}

	if s.store != nil {
		if _, err := s.store.Delete(itemCtx, req.DownloadID, target.Name); err != nil {
			log.Error().Err(err).Str("instance", target.Name).Str("downloadID", req.DownloadID).Msg("stalled: failed to clear tracked download")
		}
	}
	return true
}

// Forget deletes a tracking row outside of a sweep.
func (s *Service) Forget(ctx context.Context, instance, downloadID string) (bool, error) {
	if s.store == nil {
		return false, ErrTrackingDisabled
	}
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	return s.store.Delete(ctx, downloadID, instance)
}
