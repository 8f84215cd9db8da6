package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lurker/internal/app"
	"lurker/internal/config"
	"lurker/internal/mission"
	"lurker/internal/quota"
)

func newCheckCmd() *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and its missions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig, logger).Parse()
			if err != nil {
				return fmt.Errorf("load %s: %w", flagConfig, err)
			}
			if err := app.Validate(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("invalid config %s:\n%w", flagConfig, err)
			}
			if printCfg {
				b, err := config.Encode(flagConfig, cfg)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(b)
				return err
			}
			c := countCategories(cfg.Missions)
			fmt.Printf("%s: ok\n", flagConfig)
			fmt.Printf("  Missions: %d (brief %d/%d, extended %d/%d)\n",
				len(cfg.Missions), c.Brief, quota.MaxBrief, c.Extended, quota.MaxExtended)
			fmt.Printf("  Storage:  %s\n", orDash(cfg.Storage.Driver))
			if cfg.Status.Enabled {
				fmt.Printf("  Status:   %s\n", statusAddr(cfg))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printCfg, "print", false, "Print the normalized config instead of a summary")
	return cmd
}

func countCategories(decls []config.MissionConfig) quota.Counts {
	var c quota.Counts
	for _, d := range decls {
		if cat, err := mission.ParseCategory(d.Category); err == nil && cat == mission.Brief {
			c.Brief++
		} else {
			c.Extended++
		}
	}
	return c
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
