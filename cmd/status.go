package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/otad/internal/cmdrunner"
	"github.com/CloudNativeWorks/otad/internal/operations/systemd"
	"github.com/CloudNativeWorks/otad/internal/partition"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const statusTimeout = 10 * time.Second

type statusReport struct {
	Version    string                  `yaml:"version"`
	BootTarget partition.Slot          `yaml:"boot_target"`
	Slots      map[partition.Slot]slot `yaml:"slots"`
	Service    *systemd.ServiceStatus  `yaml:"service,omitempty"`
}

type slot struct {
	Label     string `yaml:"label,omitempty"`
	Size      int64  `yaml:"size"`
	SHA256    string `yaml:"sha256,omitempty"`
	WrittenAt string `yaml:"written_at,omitempty"`
	Bootable  bool   `yaml:"bootable"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the partition table and service state",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		parts, err := partition.Open(Cfg.Partition.Dir, partition.Options{
			SlotSize: Cfg.Partition.SlotSize,
			Magic:    byte(Cfg.Install.ImageMagic),
		}, logger.NewLogger("partition"))
		if err != nil {
			return fmt.Errorf("failed to open partition table: %w", err)
		}

		state := parts.Snapshot()
		report := statusReport{
			Version:    Version,
			BootTarget: state.Boot,
			Slots:      make(map[partition.Slot]slot, len(state.Slots)),
		}
		for name, info := range state.Slots {
			s := slot{
				Label:    info.Label,
				Size:     info.Size,
				SHA256:   info.SHA256,
				Bootable: info.Bootable,
			}
			if !info.WrittenAt.IsZero() {
				s.WrittenAt = info.WrittenAt.Format(time.RFC3339)
			}
			report.Slots[name] = s
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		runner := cmdrunner.NewCommandsRunner(logger.NewLogger("cmdrunner"))
		if svc, err := systemd.GetServiceStatus(ctx, Cfg.Restart.Unit, runner); err != nil {
			log.WithError(err).Debug("Service status unavailable")
		} else {
			report.Service = svc
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	},
}
