package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/otad/internal/config"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

var flashNoRestart bool

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Install a local firmware image",
	Long: `Write a firmware image from a local file into the inactive slot and make it
the boot target. Fails while the agent service is installing an update.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode := Cfg.Restart.Mode
		if flashNoRestart {
			mode = config.RestartNone
		}
		a, err := newAgent(ctx, Cfg, mode)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}

		logger.NewLogger("main").WithFields(logger.Fields{
			"image": args[0],
			"size":  fi.Size(),
			"slot":  a.parts.BootTarget().Other(),
		}).Info("Flashing image")

		done := make(chan struct{})
		drawn := make(chan struct{})
		go func() {
			defer close(drawn)
			trackProgress(a.installer, done)
		}()
		err = a.manager.AcceptUpload(ctx, f, fi.Size())
		close(done)
		<-drawn
		if err != nil {
			return fmt.Errorf("flash failed: %w", err)
		}

		snap := a.installer.Snapshot()
		fmt.Printf("Installed %d bytes into slot %s\n", snap.Progress.Received, snap.Slot)
		return waitForRestart(ctx, a, logger.NewLogger("main"))
	},
}

func init() {
	flashCmd.Flags().BoolVar(&flashNoRestart, "no-restart", false, "only switch the boot slot, do not restart")
}
