package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/CloudNativeWorks/otad/internal/cmdrunner"
	"github.com/CloudNativeWorks/otad/internal/config"
	"github.com/CloudNativeWorks/otad/internal/fetch"
	"github.com/CloudNativeWorks/otad/internal/operations/journal"
	"github.com/CloudNativeWorks/otad/internal/operations/systemd"
	"github.com/CloudNativeWorks/otad/internal/ota"
	"github.com/CloudNativeWorks/otad/internal/partition"
	"github.com/CloudNativeWorks/otad/internal/release"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

// agent is the update subsystem wired from configuration.
type agent struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	metrics   *ota.Metrics
	parts     *partition.Table
	checker   *ota.Checker
	installer *ota.Installer
	manager   *ota.Manager

	// restarted receives the result of the post-install restart
	restarted chan error
}

// signallingRestarter reports every restart on a channel so short-lived
// commands can wait for it before exiting.
type signallingRestarter struct {
	next ota.Restarter
	done chan<- error
}

func (r *signallingRestarter) Restart(reason string) error {
	err := r.next.Restart(reason)
	select {
	case r.done <- err:
	default:
	}
	return err
}

func newAgent(ctx context.Context, cfg *config.Config, restartMode string) (*agent, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ota.NewMetrics(registry)

	parts, err := partition.Open(cfg.Partition.Dir, partition.Options{
		SlotSize: cfg.Partition.SlotSize,
		Magic:    byte(cfg.Install.ImageMagic),
	}, logger.NewLogger("partition"))
	if err != nil {
		return nil, fmt.Errorf("failed to open partition table: %w", err)
	}

	restarter, err := systemd.NewRestarter(restartMode, cmdrunner.NewCommandsRunner(logger.NewLogger("cmdrunner")), logger.NewLogger("restarter"))
	if err != nil {
		return nil, err
	}
	restarted := make(chan error, 1)

	releases := release.NewClient(Version, release.Options{
		APIBase:          cfg.Release.APIBase,
		Token:            cfg.Release.Token,
		Timeout:          cfg.Release.Timeout,
		MaxResponseBytes: cfg.Release.MaxResponseBytes,
		AssetSuffixes:    cfg.Release.AssetSuffixes,
	}, logger.NewLogger("release"))

	checker := ota.NewChecker(ctx, releases, ota.CheckerOptions{
		Owner:          cfg.Release.Owner,
		Repo:           cfg.Release.Repo,
		MaxAttempts:    cfg.Check.MaxAttempts,
		RetryBaseDelay: cfg.Check.RetryBaseDelay,
	}, logger.NewLogger("ota_checker"), metrics)

	fetchLog := logger.NewLogger("fetch")
	open := func(ctx context.Context, url string) (ota.ImageStream, error) {
		s, err := fetch.Open(ctx, url, fetch.Options{
			RequestSize: cfg.Install.RequestSize,
			UserAgent:   "otad/" + Version,
		}, fetchLog)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	installer := ota.NewInstaller(ctx, parts, open, &signallingRestarter{next: restarter, done: restarted}, ota.InstallerOptions{
		ChunkSize:          cfg.Install.ChunkSize,
		EstimatedImageSize: cfg.Install.EstimatedImageSize,
		MaxUploadSize:      cfg.Install.MaxUploadSize,
		ImageMagic:         byte(cfg.Install.ImageMagic),
		YieldInterval:      cfg.Install.YieldInterval,
		RestartDelay:       cfg.Install.RestartDelay,
		UploadRestartDelay: cfg.Install.UploadRestartDelay,
		DownloadTimeout:    cfg.Install.DownloadTimeout,
	}, logger.NewLogger("ota_installer"), metrics)

	return &agent{
		cfg:       cfg,
		registry:  registry,
		metrics:   metrics,
		parts:     parts,
		checker:   checker,
		installer: installer,
		manager:   ota.NewManager(Version, checker, installer, parts, logger.NewLogger("ota")),
		restarted: restarted,
	}, nil
}

// readLogs prefers the journal of the agent's unit and falls back to the
// agent's own log file.
func (a *agent) readLogs(lines int) ([]journal.Entry, error) {
	entries, err := journal.Tail(a.cfg.Device.LogUnit, lines)
	if err == nil && len(entries) > 0 {
		return entries, nil
	}
	if a.cfg.Logging.File == "" || a.cfg.Logging.File == "-" {
		return entries, err
	}
	return journal.ReadFile(a.cfg.Logging.File, lines, logger.NewLogger("journal"))
}
