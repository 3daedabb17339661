package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/otad/internal/config"
	"github.com/CloudNativeWorks/otad/internal/operations/network"
	"github.com/CloudNativeWorks/otad/internal/operations/systemd"
	"github.com/CloudNativeWorks/otad/internal/ota"
	"github.com/CloudNativeWorks/otad/internal/server"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long:  `Start the HTTP API and the periodic update check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runAgent(ctx, Cfg, log)
	},
}

func runAgent(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	deviceID, err := config.GetStoredDeviceID(cfg.Device.IDFile)
	if err != nil {
		return fmt.Errorf("failed to get device ID: %w", err)
	}

	a, err := newAgent(ctx, cfg, cfg.Restart.Mode)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	log.WithFields(logger.Fields{
		"version":      Version,
		"device_id":    deviceID,
		"device_name":  cfg.Device.Name,
		"hostname":     hostname,
		"ota_enabled":  cfg.OTAEnabled(),
		"boot_slot":    a.parts.BootTarget(),
		"running_slot": a.parts.Running(),
	}).Info("Starting otad")

	srv := server.New(a.manager, Version, a.readLogs, a.registry, server.Options{
		Listen:       cfg.Server.Listen,
		RateLimit:    cfg.Server.RateLimit,
		Burst:        cfg.Server.Burst,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger.NewLogger("server"))

	scheduler := ota.NewScheduler(a.checker, network.NewRouteProbe(logger.NewLogger("network")), ota.SchedulerOptions{
		InitialDelay:    cfg.Check.InitialDelay,
		Interval:        cfg.Check.Interval,
		BreakerFailures: cfg.Check.BreakerFailures,
		BreakerTimeout:  cfg.Check.BreakerTimeout,
	}, logger.NewLogger("scheduler"), a.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if !cfg.Check.AutoEnabled {
			log.Info("Automatic update checks turned off")
			<-gctx.Done()
			return nil
		}
		return scheduler.Run(gctx)
	})

	systemd.NotifyReady(log)

	err = g.Wait()
	systemd.NotifyStopping(log)
	if err != nil {
		return err
	}
	log.Info("otad stopped")
	return nil
}
