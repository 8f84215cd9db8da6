package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"lurker/internal/lurker"
	"lurker/internal/platform/local"
)

type snapshotData struct {
	Coordinator lurker.Snapshot `json:"coordinator"`
	Platform    local.Snapshot  `json:"platform"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's coordinator and platform state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := remoteClient().get("/snapshot")
			if err != nil {
				return fmt.Errorf("get snapshot: %w", err)
			}
			var snap snapshotData
			if err := json.Unmarshal(resp.Data, &snap); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			p, c := snap.Platform, snap.Coordinator.Counters
			state := "running"
			switch {
			case p.Stopped:
				state = "stopped"
			case !p.Started:
				state = "starting"
			}
			fmt.Printf("Platform:   %s (tz %s)\n", state, p.Timezone)
			fmt.Printf("  Refresh:    %s", p.RefreshWindow)
			if !p.NextRefresh.IsZero() {
				fmt.Printf(", next %s", p.NextRefresh.Format("15:04:05"))
			}
			fmt.Println()
			fmt.Printf("  Processing: %s", p.ProcessingWindow)
			if !p.NextProcessing.IsZero() {
				fmt.Printf(", next %s", p.NextProcessing.Format("15:04:05"))
			}
			fmt.Println()
			fmt.Printf("  Pending:    %d\n", len(p.Pending))
			fmt.Printf("  Running:    %d\n", len(p.Running))
			fmt.Printf("Missions:   %d registered, %d active\n", len(snap.Coordinator.Missions), len(snap.Coordinator.Active))
			fmt.Printf("  Fired %d, completed %d (%d ok, %d expired, %d panicked), schedule failures %d\n",
				c.Fired, c.Completed, c.Succeeded, c.Expired, c.Panicked, c.ScheduleFailures)
			for _, a := range snap.Coordinator.Active {
				fmt.Printf("    - %s: %s (task %s)\n", a.Mission, a.State, a.TaskID)
			}
			return nil
		},
	}
}

func newLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <mission_id>",
		Short: "Fire a mission now, ignoring its window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			resp, err := remoteClient().post("/missions/" + url.PathEscape(id) + "/launch")
			if err != nil {
				return fmt.Errorf("launch %s: %w", id, err)
			}
			var data struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Mission %s launched (task %s)\n", id, data.TaskID)
			return nil
		},
	}
}

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire <mission_id>",
		Short: "Signal expiration to a running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := remoteClient().post("/missions/" + url.PathEscape(id) + "/expire"); err != nil {
				return fmt.Errorf("expire %s: %w", id, err)
			}
			fmt.Printf("Mission %s: expiration signalled\n", id)
			return nil
		},
	}
}
