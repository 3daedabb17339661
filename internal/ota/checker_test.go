package ota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/otad/internal/release"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

func TestCheckRetriesWithBackoff(t *testing.T) {
	src := &fakeSource{results: []queryResult{
		failing(ErrTransientNetwork),
		failing(ErrProtocol),
		available("v2.5.1", "https://x/firmware.bin"),
	}}
	c, delays := newTestChecker(t, src)

	info, err := c.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2.5.1", info.LatestVersion)
	assert.Equal(t, 3, src.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)

	snap := c.Snapshot()
	assert.Equal(t, CheckComplete, snap.State)
	assert.Equal(t, 3, snap.Attempts)
	assert.True(t, c.IsUpdateAvailable())
}

func TestCheckStopsAtFirstSuccess(t *testing.T) {
	src := &fakeSource{results: []queryResult{current("v1.0.0")}}
	c, delays := newTestChecker(t, src)

	_, err := c.CheckBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls())
	assert.Empty(t, *delays)
	assert.False(t, c.IsUpdateAvailable())
	assert.Equal(t, "v1.0.0", c.LatestVersion())
}

func TestCheckFailsAfterBudget(t *testing.T) {
	src := &fakeSource{results: []queryResult{failing(errFlaky)}}
	c, delays := newTestChecker(t, src)

	_, err := c.CheckNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFlaky))
	assert.Equal(t, 3, src.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)

	assert.Equal(t, CheckFailed, c.LastResult())
	assert.NotEmpty(t, c.Snapshot().LastError)
	assert.Equal(t, "unknown", c.LatestVersion())
}

func TestCheckBlockingKeepsStateOnFailure(t *testing.T) {
	src := &fakeSource{results: []queryResult{failing(errFlaky)}}
	c, _ := newTestChecker(t, src)

	_, err := c.CheckBlocking(context.Background())
	require.Error(t, err)
	assert.Equal(t, CheckIdle, c.LastResult())
}

// gatedSource holds its first query until gate is closed; later queries
// answer right away.
type gatedSource struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	gate    chan struct{}
	info    *release.Info
}

func (g *gatedSource) Query(ctx context.Context, owner, repo string) (*release.Info, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()

	if first {
		close(g.entered)
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.info, nil
}

func (g *gatedSource) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestCheckBlockingLeavesRunningCheckAlone(t *testing.T) {
	src := &gatedSource{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
		info:    &release.Info{TagName: "v2.5.1", LatestVersion: "v2.5.1", UpdateAvailable: true},
	}
	c, _ := newTestChecker(t, src)

	require.NoError(t, c.CheckAsync())
	<-src.entered
	started := c.Snapshot().StartedAt

	info, err := c.CheckBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2.5.1", info.LatestVersion)

	// the background worker still owns the state
	snap := c.Snapshot()
	assert.Equal(t, CheckInProgress, snap.State)
	assert.Equal(t, started, snap.StartedAt)
	assert.ErrorIs(t, c.CheckAsync(), ErrCheckInProgress)

	close(src.gate)
	require.Eventually(t, func() bool { return c.LastResult() == CheckComplete }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.Calls())
}

func TestCheckBlockingPublishesWhenIdle(t *testing.T) {
	src := &fakeSource{results: []queryResult{available("v2.5.1", "https://x/firmware.bin")}}
	c, _ := newTestChecker(t, src)

	_, err := c.CheckBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CheckComplete, c.LastResult())
	assert.True(t, c.IsUpdateAvailable())
}

func TestCheckCustomRetryPolicy(t *testing.T) {
	src := &fakeSource{results: []queryResult{failing(errFlaky)}}
	c := NewChecker(context.Background(), src, CheckerOptions{
		Owner:          "acme",
		Repo:           "sensor",
		MaxAttempts:    4,
		RetryBaseDelay: 100 * time.Millisecond,
	}, logger.NewNop(), nil)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := c.CheckNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestCheckCancelledDuringBackoff(t *testing.T) {
	src := &fakeSource{results: []queryResult{failing(errFlaky)}}
	c, _ := newTestChecker(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.CheckNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.Calls())
}

func TestCheckAsyncRejectsWhileInProgress(t *testing.T) {
	src := &fakeSource{
		results: []queryResult{available("v2.5.1", "https://x/firmware.bin")},
		block:   make(chan struct{}),
	}
	c, _ := newTestChecker(t, src)

	require.NoError(t, c.CheckAsync())
	assert.True(t, c.IsInProgress())
	started := c.Snapshot().StartedAt

	assert.ErrorIs(t, c.CheckAsync(), ErrCheckInProgress)
	_, err := c.CheckNow(context.Background())
	assert.ErrorIs(t, err, ErrCheckInProgress)

	// the rejected calls left the running check alone
	snap := c.Snapshot()
	assert.Equal(t, CheckInProgress, snap.State)
	assert.Equal(t, started, snap.StartedAt)

	close(src.block)
	require.Eventually(t, func() bool { return c.LastResult() == CheckComplete }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, "v2.5.1", c.LatestVersion())
}

func TestCheckAsyncClearsPreviousResult(t *testing.T) {
	src := &fakeSource{results: []queryResult{
		available("v2.5.1", "https://x/firmware.bin"),
		failing(errFlaky),
	}}
	c, _ := newTestChecker(t, src)

	_, err := c.CheckNow(context.Background())
	require.NoError(t, err)
	require.True(t, c.IsUpdateAvailable())

	require.NoError(t, c.CheckAsync())
	require.Eventually(t, func() bool { return c.LastResult() == CheckFailed }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsUpdateAvailable())
	assert.Equal(t, "unknown", c.LatestVersion())
}

func TestCheckDisabled(t *testing.T) {
	src := &fakeSource{results: []queryResult{current("v1.0.0")}}
	c := NewChecker(context.Background(), src, CheckerOptions{}, logger.NewNop(), nil)

	assert.False(t, c.Enabled())
	assert.ErrorIs(t, c.CheckAsync(), ErrDisabled)
	_, err := c.CheckNow(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = c.CheckBlocking(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, 0, src.Calls())
	assert.Equal(t, CheckIdle, c.LastResult())
}

func TestLatestVersionUnknownBeforeCheck(t *testing.T) {
	c, _ := newTestChecker(t, &fakeSource{results: []queryResult{current("v1.0.0")}})
	assert.Equal(t, "unknown", c.LatestVersion())
	assert.False(t, c.IsInProgress())
	assert.Equal(t, CheckIdle, c.LastResult())
}
