package ota

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/otad/internal/partition"
	"github.com/CloudNativeWorks/otad/internal/release"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

type queryResult struct {
	info *release.Info
	err  error
}

// fakeSource replays results in order; the last one repeats.
type fakeSource struct {
	mu      sync.Mutex
	results []queryResult
	calls   int
	block   chan struct{}
}

func (f *fakeSource) Query(ctx context.Context, owner, repo string) (*release.Info, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	r := f.results[idx]
	return r.info, r.err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func available(tag, url string) queryResult {
	return queryResult{info: &release.Info{TagName: tag, LatestVersion: tag, FirmwareURL: url, UpdateAvailable: true}}
}

func current(tag string) queryResult {
	return queryResult{info: &release.Info{TagName: tag, LatestVersion: tag}}
}

func failing(err error) queryResult {
	return queryResult{err: err}
}

var errFlaky = errors.New("connection reset")

func newTestChecker(t *testing.T, src ReleaseSource) (*Checker, *[]time.Duration) {
	t.Helper()
	c := NewChecker(context.Background(), src, CheckerOptions{Owner: "acme", Repo: "sensor"}, logger.NewNop(), nil)
	var mu sync.Mutex
	delays := []time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, &delays
}

// countingParts wraps a partition table and counts sessions and writes.
type countingParts struct {
	*partition.Table
	dir    string
	mu     sync.Mutex
	begins int
	writes int
}

func (c *countingParts) Begin(label string) (partition.Writer, error) {
	w, err := c.Table.Begin(label)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.begins++
	c.mu.Unlock()
	return &countingWriter{Writer: w, parts: c}, nil
}

func (c *countingParts) Begins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begins
}

func (c *countingParts) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type countingWriter struct {
	partition.Writer
	parts *countingParts
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.parts.mu.Lock()
	w.parts.writes++
	w.parts.mu.Unlock()
	return w.Writer.Write(p)
}

func newTestParts(t *testing.T) *countingParts {
	t.Helper()
	dir := t.TempDir()
	tbl, err := partition.Open(dir, partition.Options{SlotSize: 8 * 1024 * 1024}, logger.NewNop())
	require.NoError(t, err)
	return &countingParts{Table: tbl, dir: dir}
}

type fakeRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *fakeRestarter) Restart(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *fakeRestarter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

// memStream serves data, optionally failing after failAt bytes.
type memStream struct {
	r      *bytes.Reader
	size   int64
	failAt int64
	read   int64
	eof    bool
}

func newMemStream(data []byte, advertise bool) *memStream {
	s := &memStream{r: bytes.NewReader(data), size: -1, failAt: -1}
	if advertise {
		s.size = int64(len(data))
	}
	return s
}

func (s *memStream) Read(p []byte) (int, error) {
	if s.failAt >= 0 {
		left := s.failAt - s.read
		if left <= 0 {
			return 0, errFlaky
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	n, err := s.r.Read(p)
	s.read += int64(n)
	if errors.Is(err, io.EOF) {
		s.eof = true
	}
	return n, err
}

func (s *memStream) Close() error   { return nil }
func (s *memStream) Size() int64    { return s.size }
func (s *memStream) Complete() bool { return s.eof }

func openerFor(s ImageStream) StreamOpener {
	return func(ctx context.Context, url string) (ImageStream, error) {
		return s, nil
	}
}

func firmware(n int) []byte {
	b := bytes.Repeat([]byte{0x42}, n)
	b[0] = DefaultImageMagic
	return b
}

type installerHarness struct {
	inst      *Installer
	parts     *countingParts
	restarter *fakeRestarter

	mu        sync.Mutex
	snapshots []InstallSnapshot
	delays    []time.Duration
}

func newTestInstaller(t *testing.T, open StreamOpener, opts InstallerOptions) *installerHarness {
	t.Helper()
	h := &installerHarness{
		parts:     newTestParts(t),
		restarter: &fakeRestarter{},
	}
	if opts.YieldInterval == 0 {
		opts.YieldInterval = time.Nanosecond
	}
	h.inst = NewInstaller(context.Background(), h.parts, open, h.restarter, opts, logger.NewNop(), nil)
	// sleep runs after every chunk, which makes it a convenient observer
	h.inst.sleep = func(time.Duration) {
		h.mu.Lock()
		h.snapshots = append(h.snapshots, h.inst.Snapshot())
		h.mu.Unlock()
	}
	h.inst.after = func(d time.Duration, f func()) {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		f()
	}
	return h
}

func (h *installerHarness) Snapshots() []InstallSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]InstallSnapshot(nil), h.snapshots...)
}

func (h *installerHarness) RestartDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func (h *installerHarness) waitDone(t *testing.T) InstallSnapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.inst.Snapshot().State != UpdateDownloading
	}, 5*time.Second, 5*time.Millisecond)
	return h.inst.Snapshot()
}
