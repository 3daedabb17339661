package ota

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/CloudNativeWorks/otad/internal/release"
	"github.com/CloudNativeWorks/otad/pkg/helper"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 2 * time.Second

	unknownVersion = "unknown"
)

// ReleaseSource answers "what is the newest release".
type ReleaseSource interface {
	Query(ctx context.Context, owner, repo string) (*release.Info, error)
}

// CheckerOptions configures a Checker.
type CheckerOptions struct {
	Owner          string
	Repo           string
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Checker runs update checks and publishes their outcome.
type Checker struct {
	ctx     context.Context
	source  ReleaseSource
	opts    CheckerOptions
	logger  *logger.Logger
	metrics *Metrics

	state atomic.Pointer[CheckSnapshot]

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewChecker creates a checker. ctx bounds asynchronous checks; cancelling it
// stops a running retry loop.
func NewChecker(ctx context.Context, source ReleaseSource, opts CheckerOptions, log *logger.Logger, metrics *Metrics) *Checker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}

	c := &Checker{
		ctx:     ctx,
		source:  source,
		opts:    opts,
		logger:  log,
		metrics: metrics,
		sleep:   sleepContext,
		now:     time.Now,
	}
	c.state.Store(&CheckSnapshot{State: CheckIdle})
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enabled reports whether a release repository is configured.
func (c *Checker) Enabled() bool {
	return c.opts.Owner != "" && c.opts.Repo != ""
}

// CheckBlocking queries the release source with retries and returns the
// result. A success is published unless another check is in progress; the
// running check owns the state until it finishes.
func (c *Checker) CheckBlocking(ctx context.Context) (*release.Info, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	info, attempts, err := c.query(ctx)
	if err != nil {
		return nil, err
	}

	c.metrics.observeUpdateAvailable(info.UpdateAvailable)
	next := &CheckSnapshot{
		State:     CheckComplete,
		Info:      info,
		Attempts:  attempts,
		CheckedAt: c.now(),
	}
	for {
		cur := c.state.Load()
		if cur.State == CheckInProgress || c.state.CompareAndSwap(cur, next) {
			return info, nil
		}
	}
}

// query makes up to MaxAttempts calls, waiting base, 2*base, ... between them.
func (c *Checker) query(ctx context.Context) (*release.Info, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		c.logger.Infof("Checking for updates (attempt %d/%d)", attempt, c.opts.MaxAttempts)

		info, err := c.source.Query(ctx, c.opts.Owner, c.opts.Repo)
		if err == nil {
			c.metrics.observeCheck(true)
			return info, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		lastErr = err
		c.metrics.observeCheck(false)

		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := c.opts.RetryBaseDelay << (attempt - 1)
		c.logger.WithError(err).Warnf("Update check failed, retrying in %s", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}

	c.logger.WithError(lastErr).Errorf("Update check failed after %d attempts", c.opts.MaxAttempts)
	return nil, c.opts.MaxAttempts, fmt.Errorf("update check failed after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

// begin moves the checker to InProgress, dropping the previous result.
func (c *Checker) begin() error {
	if !c.Enabled() {
		return ErrDisabled
	}
	for {
		cur := c.state.Load()
		if cur.State == CheckInProgress {
			return ErrCheckInProgress
		}
		next := &CheckSnapshot{State: CheckInProgress, StartedAt: c.now()}
		if c.state.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

func (c *Checker) run(ctx context.Context) (*release.Info, error) {
	started := c.state.Load().StartedAt

	info, attempts, err := c.query(ctx)
	if err != nil {
		c.state.Store(&CheckSnapshot{
			State:     CheckFailed,
			LastError: err.Error(),
			Attempts:  attempts,
			StartedAt: started,
			CheckedAt: c.now(),
		})
		return nil, err
	}

	c.metrics.observeUpdateAvailable(info.UpdateAvailable)
	c.state.Store(&CheckSnapshot{
		State:     CheckComplete,
		Info:      info,
		Attempts:  attempts,
		StartedAt: started,
		CheckedAt: c.now(),
	})
	return info, nil
}

// CheckAsync starts a background check and returns immediately.
func (c *Checker) CheckAsync() error {
	if err := c.begin(); err != nil {
		return err
	}

	go func() {
		defer helper.RecoverPanic(c.logger, "update-check")
		defer func() {
			if r := c.state.Load(); r.State == CheckInProgress {
				c.state.Store(&CheckSnapshot{State: CheckFailed, LastError: "check aborted", CheckedAt: c.now()})
			}
		}()

		if _, err := c.run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Warn("Background update check failed")
		}
	}()
	return nil
}

// CheckNow runs a full check in the caller's goroutine with the same state
// transitions as CheckAsync.
func (c *Checker) CheckNow(ctx context.Context) (*release.Info, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	return c.run(ctx)
}

// Snapshot returns the latest published state.
func (c *Checker) Snapshot() CheckSnapshot {
	return *c.state.Load()
}

func (c *Checker) IsInProgress() bool {
	return c.state.Load().State == CheckInProgress
}

func (c *Checker) LastResult() CheckState {
	return c.state.Load().State
}

func (c *Checker) IsUpdateAvailable() bool {
	s := c.state.Load()
	return s.State == CheckComplete && s.Info != nil && s.Info.UpdateAvailable
}

// LatestVersion returns the tag of the last successful check, or "unknown".
func (c *Checker) LatestVersion() string {
	s := c.state.Load()
	if s.Info == nil || s.Info.LatestVersion == "" {
		return unknownVersion
	}
	return s.Info.LatestVersion
}
