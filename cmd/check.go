package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/otad/internal/ota"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const pollInterval = 500 * time.Millisecond

var checkInstall bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for a firmware update",
	Long:  `Query the release repository once and print whether a newer firmware exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newAgent(ctx, Cfg, Cfg.Restart.Mode)
		if err != nil {
			return err
		}
		if !a.checker.Enabled() {
			return ota.ErrDisabled
		}

		info, err := a.checker.CheckNow(ctx)
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}

		fmt.Printf("Current version:  %s\n", Version)
		fmt.Printf("Latest version:   %s\n", info.LatestVersion)
		fmt.Printf("Update available: %t\n", info.UpdateAvailable)
		if info.FirmwareURL != "" {
			fmt.Printf("Firmware:         %s\n", info.FirmwareURL)
		}

		if !checkInstall || !info.UpdateAvailable {
			return nil
		}
		if err := a.manager.BeginUpdate(); err != nil {
			return err
		}
		return waitForInstall(ctx, a)
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkInstall, "install", false, "install the update when one is available")
}

// waitForInstall draws progress until the install finishes and the restart
// has been attempted.
func waitForInstall(ctx context.Context, a *agent) error {
	log := logger.NewLogger("main")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var bar progressBar
	defer bar.finish()

	for {
		snap := a.installer.Snapshot()
		bar.update(snap.Progress)

		switch snap.State {
		case ota.UpdateFailed:
			bar.finish()
			return fmt.Errorf("install failed: %s", snap.LastError)
		case ota.UpdateComplete:
			bar.finish()
			fmt.Printf("Installed into slot %s\n", snap.Slot)
			return waitForRestart(ctx, a, log)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitForRestart(ctx context.Context, a *agent, log *logger.Logger) error {
	timeout := a.cfg.Install.RestartDelay + a.cfg.Install.UploadRestartDelay + 30*time.Second
	select {
	case err := <-a.restarted:
		if err != nil {
			return fmt.Errorf("restart failed: %w", err)
		}
		log.Info("Restart requested")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("restart was not attempted within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
