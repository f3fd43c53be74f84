// Package metrics collects and exposes Prometheus metrics for warden.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardend/warden/internal/events"
	"github.com/wardend/warden/internal/version"
)

// Collector holds all warden-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Per-application metrics.
	AppState         *prometheus.GaugeVec
	ProcFaults       *prometheus.CounterVec
	WatchdogTimeouts *prometheus.CounterVec
	FaultLimitHits   *prometheus.CounterVec

	// Supervisor-level metrics.
	Reboots   prometheus.Counter
	BuildInfo *prometheus.GaugeVec
}

// New creates and registers all warden metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		AppState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_app_state",
				Help: "Current state of an application (1 = running, 0 = stopped).",
			},
			[]string{"app"},
		),

		ProcFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_proc_faults_total",
				Help: "Total process faults by configured fault action.",
			},
			[]string{"app", "process", "action"},
		),

		WatchdogTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_watchdog_timeouts_total",
				Help: "Total watchdog timeouts by resulting action.",
			},
			[]string{"app", "process", "action"},
		),

		FaultLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_fault_limit_hits_total",
				Help: "Times a process reached its fault limit and the app was stopped.",
			},
			[]string{"app", "process"},
		),

		Reboots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_reboots_requested_total",
				Help: "System reboots requested by reboot-class faults.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_build_info",
				Help: "Build information; value is always 1.",
			},
			[]string{"version", "commit"},
		),
	}

	reg.MustRegister(
		c.AppState,
		c.ProcFaults,
		c.WatchdogTimeouts,
		c.FaultLimitHits,
		c.Reboots,
		c.BuildInfo,
	)

	c.BuildInfo.WithLabelValues(version.Version, version.Commit).Set(1)

	return c
}

// Wire subscribes the collector to lifecycle events on the bus.
func (c *Collector) Wire(bus *events.Bus) {
	bus.Subscribe(events.AppStateRunning, func(ev events.Event) {
		c.AppState.WithLabelValues(ev.Data["app"]).Set(1)
	})
	bus.Subscribe(events.AppStateStopped, func(ev events.Event) {
		c.AppState.WithLabelValues(ev.Data["app"]).Set(0)
	})
	bus.Subscribe(events.ProcFault, func(ev events.Event) {
		c.ProcFaults.WithLabelValues(ev.Data["app"], ev.Data["process"], ev.Data["action"]).Inc()
	})
	bus.Subscribe(events.ProcWatchdogTimeout, func(ev events.Event) {
		c.WatchdogTimeouts.WithLabelValues(ev.Data["app"], ev.Data["process"], ev.Data["action"]).Inc()
	})
	bus.Subscribe(events.FaultLimitReached, func(ev events.Event) {
		c.FaultLimitHits.WithLabelValues(ev.Data["app"], ev.Data["process"]).Inc()
	})
	bus.Subscribe(events.RebootRequested, func(ev events.Event) {
		c.Reboots.Inc()
	})
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry. Intended for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
