// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stallarr"

// Collector holds the sweep metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	QueueItemsFetched  *prometheus.CounterVec
	QueueFetchErrors   *prometheus.CounterVec
	Detections         *prometheus.CounterVec
	Remediations       *prometheus.CounterVec
	SearchCommands     *prometheus.CounterVec
	TrackedDownloads   *prometheus.GaugeVec
	SweepDuration      prometheus.Histogram
	LastSweepTimestamp prometheus.Gauge
}

// NewCollector creates and registers the collectors along with the Go and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		QueueItemsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_fetched_total",
			Help:      "Queue records returned by backends",
		}, []string{"instance", "mode"}),
		QueueFetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_fetch_errors_total",
			Help:      "Failed queue fetches",
		}, []string{"instance", "mode"}),
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Downloads newly tracked as stalled",
		}, []string{"instance", "mode"}),
		Remediations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation attempts by outcome",
		}, []string{"instance", "outcome"}),
		SearchCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_commands_total",
			Help:      "Search commands sent to backends",
		}, []string{"instance", "command", "result"}),
		TrackedDownloads: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_downloads",
			Help:      "Downloads currently waiting for the stalled timeout",
		}, []string{"instance"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent on one sweep across all backends",
			Buckets:   prometheus.DefBuckets,
		}),
		LastSweepTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time the last sweep finished",
		}),
	}
}

// Registry exposes the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveFetch(instance, mode string, items int, err error) {
	c.QueueItemsFetched.WithLabelValues(instance, mode).Add(float64(items))
	if err != nil {
		c.QueueFetchErrors.WithLabelValues(instance, mode).Inc()
	}
}

func (c *Collector) ObserveDetection(instance, mode string) {
	c.Detections.WithLabelValues(instance, mode).Inc()
}

func (c *Collector) ObserveRemediation(instance, outcome string) {
	c.Remediations.WithLabelValues(instance, outcome).Inc()
}

func (c *Collector) ObserveSearchCommand(instance, command string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.SearchCommands.WithLabelValues(instance, command, result).Inc()
}

func (c *Collector) SetTracked(instance string, count int) {
	c.TrackedDownloads.WithLabelValues(instance).Set(float64(count))
}

func (c *Collector) ObserveSweep(duration time.Duration) {
	c.SweepDuration.Observe(duration.Seconds())
	c.LastSweepTimestamp.SetToCurrentTime()
}
