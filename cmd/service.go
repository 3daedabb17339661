package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/otad/internal/cmdrunner"
	"github.com/CloudNativeWorks/otad/internal/config"
	"github.com/CloudNativeWorks/otad/internal/operations/files"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const serviceTimeout = 30 * time.Second

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the otad systemd unit",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write, enable and start otad.service",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate otad binary: %w", err)
		}
		configPath := cfgFile
		if configPath == "" {
			configPath = filepath.Join(config.DefaultConfigDir, "config.yaml")
		}
		if configPath, err = filepath.Abs(configPath); err != nil {
			return err
		}

		name := Cfg.Device.Name
		if name == "" {
			name, _ = os.Hostname()
		}

		path, err := files.WriteSystemdServiceFile(files.SystemdPath, Cfg.Restart.Unit, files.Unit{
			Name:       name,
			Binary:     binary,
			ConfigPath: configPath,
			StateDir:   config.DefaultStateDir,
		})
		if err != nil {
			return err
		}
		log.Infof("Wrote %s", path)

		ctx, cancel := context.WithTimeout(cmd.Context(), serviceTimeout)
		defer cancel()
		runner := cmdrunner.NewCommandsRunner(logger.NewLogger("cmdrunner"))
		if err := runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
			return err
		}
		return runner.Run(ctx, "systemctl", "enable", "--now", Cfg.Restart.Unit)
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop, disable and remove otad.service",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		ctx, cancel := context.WithTimeout(cmd.Context(), serviceTimeout)
		defer cancel()
		runner := cmdrunner.NewCommandsRunner(logger.NewLogger("cmdrunner"))
		if _, err := runner.RunWithOutputNoErrLog(ctx, "systemctl", "disable", "--now", Cfg.Restart.Unit); err != nil {
			log.WithError(err).Warn("Failed to disable unit")
		}

		result := files.DeleteFiles([]string{filepath.Join(files.SystemdPath, Cfg.Restart.Unit)}, log)
		if len(result.Errors) > 0 {
			return result.Errors[0]
		}
		return runner.Run(ctx, "systemctl", "daemon-reload")
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
}
