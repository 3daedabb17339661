package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/otad/internal/partition"
	"github.com/CloudNativeWorks/otad/pkg/helper"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultChunkSize          = 4 * 1024
	DefaultEstimatedImageSize = 1100 * 1024
	DefaultMaxUploadSize      = 4 * 1024 * 1024
	DefaultImageMagic         = partition.DefaultMagic
	DefaultYieldInterval      = 10 * time.Millisecond
	DefaultRestartDelay       = time.Second
	DefaultUploadRestartDelay = 500 * time.Millisecond

	progressLogStep = 5
)

// ImageStream is a remote image being downloaded.
type ImageStream interface {
	io.ReadCloser
	// Size is the advertised length, or -1 when unknown.
	Size() int64
	// Complete reports whether every byte of the image was delivered.
	Complete() bool
}

// StreamOpener opens the image at url.
type StreamOpener func(ctx context.Context, url string) (ImageStream, error)

// Partitions is the A/B slot table the installer writes to.
type Partitions interface {
	Begin(label string) (partition.Writer, error)
	BootTarget() partition.Slot
	Running() partition.Slot
}

// Restarter reboots into the new image.
type Restarter interface {
	Restart(reason string) error
}

// InstallerOptions configures an Installer. Zero values take the defaults.
type InstallerOptions struct {
	ChunkSize          int
	EstimatedImageSize int64
	MaxUploadSize      int64
	ImageMagic         byte
	YieldInterval      time.Duration
	RestartDelay       time.Duration
	UploadRestartDelay time.Duration
	DownloadTimeout    time.Duration
}

// Installer writes new images into the inactive partition.
type Installer struct {
	ctx       context.Context
	parts     Partitions
	open      StreamOpener
	restarter Restarter
	opts      InstallerOptions
	logger    *logger.Logger
	metrics   *Metrics

	state atomic.Pointer[InstallSnapshot]

	sleep func(time.Duration)
	after func(time.Duration, func())
	newID func() string
	now   func() time.Time
}

// NewInstaller creates an installer. ctx bounds background downloads.
func NewInstaller(ctx context.Context, parts Partitions, open StreamOpener, restarter Restarter, opts InstallerOptions, log *logger.Logger, metrics *Metrics) *Installer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.EstimatedImageSize <= 0 {
		opts.EstimatedImageSize = DefaultEstimatedImageSize
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.ImageMagic == 0 {
		opts.ImageMagic = DefaultImageMagic
	}
	if opts.YieldInterval < 0 {
		opts.YieldInterval = 0
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.UploadRestartDelay <= 0 {
		opts.UploadRestartDelay = DefaultUploadRestartDelay
	}

	i := &Installer{
		ctx:       ctx,
		parts:     parts,
		open:      open,
		restarter: restarter,
		opts:      opts,
		logger:    log,
		metrics:   metrics,
		sleep:     time.Sleep,
		after:     func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		newID:     uuid.NewString,
		now:       time.Now,
	}
	i.state.Store(&InstallSnapshot{State: UpdateIdle})
	return i
}

// Snapshot returns the latest published install state.
func (i *Installer) Snapshot() InstallSnapshot {
	return *i.state.Load()
}

// MaxUploadSize is the largest image AcceptUpload takes.
func (i *Installer) MaxUploadSize() int64 {
	return i.opts.MaxUploadSize
}

func stateError(s UpdateState) error {
	switch s {
	case UpdateDownloading:
		return ErrUpdateInProgress
	case UpdateComplete:
		return ErrRestartPending
	}
	return nil
}

// begin publishes Downloading. It fails without side effects when an install
// is running or finished.
func (i *Installer) begin(source string, slot partition.Slot) (*InstallSnapshot, error) {
	for {
		cur := i.state.Load()
		if err := stateError(cur.State); err != nil {
			return nil, err
		}
		next := &InstallSnapshot{
			State:     UpdateDownloading,
			Source:    source,
			InstallID: i.newID(),
			Slot:      slot,
			StartedAt: i.now(),
		}
		if i.state.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

func (i *Installer) publish(update func(s *InstallSnapshot)) {
	next := *i.state.Load()
	update(&next)
	i.state.Store(&next)
}

func (i *Installer) fail(source string, err error) error {
	err = classify(err)
	i.publish(func(s *InstallSnapshot) {
		s.State = UpdateFailed
		s.LastError = err.Error()
		s.FinishedAt = i.now()
	})
	i.metrics.observeInstall(source, err)
	i.logger.WithError(err).WithField("source", source).Error("Firmware update failed")
	return err
}

// abort releases the partition session before publishing Failed, so a caller
// that sees Failed can start again right away.
func (i *Installer) abort(w partition.Writer, source string, err error) error {
	w.Abort()
	return i.fail(source, err)
}

func (i *Installer) complete(source string) {
	i.publish(func(s *InstallSnapshot) {
		s.State = UpdateComplete
		s.Progress.Total = s.Progress.Received
		s.Progress.Estimated = false
		s.Progress.Percent = 100
		s.FinishedAt = i.now()
	})
	i.metrics.observeInstall(source, nil)
}

func (i *Installer) scheduleRestart(delay time.Duration, reason string) {
	i.logger.Infof("Restarting in %s", delay)
	i.after(delay, func() {
		defer helper.RecoverPanic(i.logger, "restart")
		if err := i.restarter.Restart(reason); err != nil {
			i.logger.WithError(err).Error("Restart failed")
		}
	})
}

// beginPartition opens the write session. A session held elsewhere, by a
// racing call or another process, means an update is already running.
func (i *Installer) beginPartition(label string) (partition.Writer, error) {
	w, err := i.parts.Begin(label)
	switch {
	case err == nil:
		return w, nil
	case errors.Is(err, partition.ErrBusy):
		return nil, wrap(ErrUpdateInProgress, err)
	default:
		return nil, wrap(ErrResource, err)
	}
}

// StartUpdate starts downloading url into the inactive partition.
func (i *Installer) StartUpdate(url string) error {
	if url == "" {
		return ErrNoUpdate
	}
	if err := stateError(i.state.Load().State); err != nil {
		return err
	}

	w, err := i.beginPartition(url)
	if err != nil {
		return err
	}
	if _, err := i.begin(SourceNetwork, w.Slot()); err != nil {
		w.Abort()
		return err
	}

	i.logger.WithFields(logger.Fields{
		"url":  url,
		"slot": w.Slot(),
	}).Info("Starting firmware update")

	go i.download(url, w)
	return nil
}

func (i *Installer) download(url string, w partition.Writer) {
	defer helper.RecoverPanic(i.logger, "firmware-download")
	defer func() {
		if i.state.Load().State == UpdateDownloading {
			i.abort(w, SourceNetwork, errors.New("download aborted"))
		}
	}()

	if err := i.fetch(url, w); err != nil {
		i.abort(w, SourceNetwork, err)
		return
	}

	i.complete(SourceNetwork)
	i.logger.Info("Firmware update complete")
	i.scheduleRestart(i.opts.RestartDelay, "firmware update "+url)
}

// fetch streams url into w and finalizes it.
func (i *Installer) fetch(url string, w partition.Writer) error {
	ctx := i.ctx
	if i.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.DownloadTimeout)
		defer cancel()
	}

	stream, err := i.open(ctx, url)
	if err != nil {
		return err
	}
	defer stream.Close()

	progress := Progress{Total: stream.Size()}
	if progress.Total <= 0 {
		progress.Total = i.opts.EstimatedImageSize
		progress.Estimated = true
	}
	i.publish(func(s *InstallSnapshot) { s.Progress = progress })

	i.logger.WithFields(logger.Fields{
		"total":     progress.Total,
		"estimated": progress.Estimated,
	}).Info("Downloading firmware")

	if _, err := i.copy(ctx, w, stream, progress, nil); err != nil {
		return err
	}
	if !stream.Complete() {
		return fmt.Errorf("%w: download ended before the whole image arrived", ErrIntegrity)
	}
	return w.Finalize()
}

// copy moves r into w chunk by chunk, publishing progress. head, if set, is
// written first.
func (i *Installer) copy(ctx context.Context, w partition.Writer, r io.Reader, p Progress, head []byte) (Progress, error) {
	step := p.Percent / progressLogStep

	write := func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		p = p.advance(int64(len(chunk)))
		cur := p
		i.publish(func(s *InstallSnapshot) { s.Progress = cur })
		i.metrics.observeWrite(len(chunk), p.Percent)

		if p.Percent/progressLogStep > step {
			step = p.Percent / progressLogStep
			i.logger.Infof("Progress: %d%% (%d/%d bytes)", p.Percent, p.Received, p.Total)
		}
		if i.opts.YieldInterval > 0 {
			i.sleep(i.opts.YieldInterval)
		}
		return nil
	}

	if len(head) > 0 {
		if err := write(head); err != nil {
			return p, err
		}
	}

	buf := make([]byte, i.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := write(buf[:n]); err != nil {
				return p, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return p, nil
		}
		if rerr != nil {
			return p, rerr
		}
	}
}

// AcceptUpload installs an image of exactly length bytes read from r.
func (i *Installer) AcceptUpload(ctx context.Context, r io.Reader, length int64) error {
	if length <= 0 || length > i.opts.MaxUploadSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrUploadSize, length, i.opts.MaxUploadSize)
	}
	if err := stateError(i.state.Load().State); err != nil {
		return err
	}

	body := io.LimitReader(r, length)

	headSize := int64(i.opts.ChunkSize)
	if length < headSize {
		headSize = length
	}
	head := make([]byte, headSize)
	if _, err := io.ReadFull(body, head); err != nil {
		return fmt.Errorf("%w: reading upload: %v", ErrIntegrity, err)
	}
	if head[0] != i.opts.ImageMagic {
		i.logger.Warnf("Rejecting upload: first byte 0x%02X, want 0x%02X", head[0], i.opts.ImageMagic)
		return fmt.Errorf("%w: got 0x%02X", ErrBadMagic, head[0])
	}

	w, err := i.beginPartition("upload")
	if err != nil {
		return err
	}
	defer w.Abort()

	if _, err := i.begin(SourceUpload, w.Slot()); err != nil {
		return err
	}

	i.logger.WithFields(logger.Fields{
		"size": length,
		"slot": w.Slot(),
	}).Info("Installing uploaded firmware")

	progress := Progress{Total: length}
	i.publish(func(s *InstallSnapshot) { s.Progress = progress })

	progress, err = i.copy(ctx, w, body, progress, head)
	if err != nil {
		return i.abort(w, SourceUpload, err)
	}
	if progress.Received != length {
		return i.abort(w, SourceUpload, fmt.Errorf("%w: upload truncated at %d of %d bytes", ErrIntegrity, progress.Received, length))
	}
	if err := w.Finalize(); err != nil {
		return i.abort(w, SourceUpload, err)
	}

	i.complete(SourceUpload)
	i.logger.Info("Uploaded firmware installed")
	i.scheduleRestart(i.opts.UploadRestartDelay, "firmware upload")
	return nil
}
