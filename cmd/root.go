package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/otad/internal/config"
)

var (
	cfgFile string
	Cfg     *config.Config
	Version string
)

var RootCmd = &cobra.Command{
	Use:   "otad",
	Short: "otad - firmware self-update agent",
	Long: `otad checks a release repository for newer firmware, installs it into the
inactive A/B slot and restarts the device into it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		return initConfig()
	},
}

const skipConfig = "skip-config"

func Execute(version string) error {
	Version = version
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, $HOME/.otad/config.yaml, /etc/otad/config.yaml)")

	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(checkCmd)
	RootCmd.AddCommand(flashCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(serviceCmd)
	RootCmd.AddCommand(versionCmd)
}

func initConfig() error {
	var err error

	Cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration could not be loaded: %w", err)
	}
	return nil
}
