package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lurker/internal/config"
	"lurker/internal/status"
)

func newMissionsCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "missions",
		Short: "List declared missions, or their live state with --live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig, logger).Parse()
			if err != nil && (!live || flagAddr == "") {
				return fmt.Errorf("load %s: %w", flagConfig, err)
			}
			if live {
				return printLiveMissions(newClient(resolveAddr(cfg)))
			}
			return printDeclared(cfg.Missions)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "Query the running daemon's status API")
	return cmd
}

func printDeclared(decls []config.MissionConfig) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tKIND\tEARLIEST\tREQUIRES")
	for _, d := range decls {
		var req []string
		if d.RequiresNetwork || strings.EqualFold(d.Kind, config.KindSpeedtest) {
			req = append(req, "network")
		}
		if d.RequiresExternalPower {
			req = append(req, "power")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Category, d.Kind, orDash(d.EarliestStart), orDash(strings.Join(req, ",")))
	}
	return w.Flush()
}

func printLiveMissions(c *client) error {
	resp, err := c.get("/missions")
	if err != nil {
		return fmt.Errorf("get missions: %w", err)
	}
	var list []status.MissionStatus
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tSTATE\tDETAIL")
	for _, m := range list {
		state, detail := "idle", "-"
		switch {
		case m.Running != nil:
			state = "running"
			detail = "task " + m.Running.TaskID
		case m.Pending != nil:
			state = "pending"
			detail = m.Pending.Kind
			if !m.Pending.EarliestBegin.IsZero() {
				detail += " after " + m.Pending.EarliestBegin.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Identifier, m.Category, state, detail)
	}
	return w.Flush()
}
