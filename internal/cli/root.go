// Package cli is the lurkerd command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	logx "lurker/pkg/logx"
)

var (
	flagConfig   string
	flagAddr     string
	flagLogLevel string

	logger logx.Logger
)

// defaultConfig returns the config path, checking LURKER_CONFIG first.
func defaultConfig() string {
	if p := os.Getenv("LURKER_CONFIG"); p != "" {
		return p
	}
	return "./lurker.yaml"
}

// NewRootCmd creates the root cobra command for lurkerd.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lurkerd",
		Short: "lurker deferred mission daemon",
		Long: "lurkerd registers deferred missions with a local opportunity-window scheduler\n" +
			"and runs each one when its window opens, within the platform's time budget.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logx.NewConsole(flagLogLevel)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "Config file, JSON or YAML (or LURKER_CONFIG env)")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "Status API address for remote commands (default: status.addr from the config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level for commands other than run (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newMissionsCmd(),
		newStatusCmd(),
		newLaunchCmd(),
		newExpireCmd(),
		newRunsCmd(),
	)
	return root
}
