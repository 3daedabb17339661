package ota

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "otad"
	metricsSubsystem = "ota"
)

// Metrics holds the update collectors. A nil *Metrics records nothing.
type Metrics struct {
	checks          *prometheus.CounterVec
	installs        *prometheus.CounterVec
	bytesWritten    prometheus.Counter
	progress        prometheus.Gauge
	updateAvailable prometheus.Gauge
	breakerOpen     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "check_attempts_total",
				Help:      "Release API queries by result",
			},
			[]string{"result"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "installs_total",
				Help:      "Finished installs by source and result",
			},
			[]string{"source", "result"},
		),
		bytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "image_bytes_written_total",
				Help:      "Image bytes written to the inactive partition",
			},
		),
		progress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "install_progress_percent",
				Help:      "Progress of the running install",
			},
		),
		updateAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "update_available",
				Help:      "1 when the last check found a newer release",
			},
		),
		breakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "scheduler_breaker_open",
				Help:      "1 while the periodic check circuit breaker is open",
			},
		),
	}

	reg.MustRegister(
		m.checks,
		m.installs,
		m.bytesWritten,
		m.progress,
		m.updateAvailable,
		m.breakerOpen,
	)
	return m
}

func (m *Metrics) observeCheck(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.checks.WithLabelValues("success").Inc()
	} else {
		m.checks.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) observeUpdateAvailable(available bool) {
	if m == nil {
		return
	}
	if available {
		m.updateAvailable.Set(1)
	} else {
		m.updateAvailable.Set(0)
	}
}

func (m *Metrics) observeWrite(n int, percent int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
	m.progress.Set(float64(percent))
}

func (m *Metrics) observeInstall(source string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
		m.progress.Set(0)
	} else {
		m.progress.Set(100)
	}
	m.installs.WithLabelValues(source, result).Inc()
}

func (m *Metrics) observeBreaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}
