package ota

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultInitialDelay    = 60 * time.Second
	DefaultCheckInterval   = 24 * time.Hour
	DefaultBreakerFailures = 3
	DefaultBreakerTimeout  = time.Hour
)

// ErrNetworkNotReady is returned by a scheduled check skipped for lack of a
// default route.
var ErrNetworkNotReady = errors.New("network not ready")

// NetworkProbe tells whether outbound traffic can be attempted.
type NetworkProbe interface {
	Ready(ctx context.Context) (bool, error)
}

// SchedulerOptions configures the periodic check.
type SchedulerOptions struct {
	InitialDelay    time.Duration
	Interval        time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Scheduler runs an update check after InitialDelay and then every Interval.
// Consecutive failures open a circuit breaker that skips checks until
// BreakerTimeout has passed.
type Scheduler struct {
	checker *Checker
	probe   NetworkProbe
	breaker *gobreaker.CircuitBreaker
	opts    SchedulerOptions
	logger  *logger.Logger
	metrics *Metrics

	wait func(ctx context.Context, d time.Duration) error
}

func NewScheduler(checker *Checker, probe NetworkProbe, opts SchedulerOptions, log *logger.Logger, metrics *Metrics) *Scheduler {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckInterval
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultBreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}

	s := &Scheduler{
		checker: checker,
		probe:   probe,
		opts:    opts,
		logger:  log,
		metrics: metrics,
		wait:    sleepContext,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "update-check",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// a manual check racing the schedule is not a failure
			return err == nil || errors.Is(err, ErrCheckInProgress)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warnf("Circuit breaker %s state changed from %v to %v", name, from, to)
			s.metrics.observeBreaker(to == gobreaker.StateOpen)
		},
	})
	return s
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.checker.Enabled() {
		s.logger.Info("Automatic update checks disabled: no release repository configured")
		<-ctx.Done()
		return nil
	}

	s.logger.Infof("Automatic update checks every %s, first in %s", s.opts.Interval, s.opts.InitialDelay)

	delay := s.opts.InitialDelay
	for {
		if err := s.wait(ctx, delay); err != nil {
			return nil
		}
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Scheduled update check did not complete")
		}
		delay = s.opts.Interval
	}
}

// Tick performs one scheduled check.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.probe != nil {
		ready, err := s.probe.Ready(ctx)
		if err != nil {
			s.logger.WithError(err).Debug("Network probe failed")
		}
		if !ready {
			return ErrNetworkNotReady
		}
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.checker.CheckNow(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.logger.Debug("Circuit breaker open, skipping scheduled check")
		return err
	case errors.Is(err, ErrCheckInProgress):
		return nil
	case err != nil:
		return err
	}

	if s.checker.IsUpdateAvailable() {
		s.logger.Infof("Update %s is available", s.checker.LatestVersion())
	}
	return nil
}

// BreakerState exposes the breaker state for status reporting.
func (s *Scheduler) BreakerState() gobreaker.State {
	return s.breaker.State()
}
