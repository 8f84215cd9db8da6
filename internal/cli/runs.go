package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lurker/internal/storage"
)

func newRunsCmd() *cobra.Command {
	var (
		missionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent mission runs recorded by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if missionID != "" {
				q.Set("mission", missionID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := remoteClient().get(path)
			if err != nil {
				return fmt.Errorf("get runs: %w", err)
			}
			var runs []storage.RunRecord
			if err := json.Unmarshal(resp.Data, &runs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FIRED\tMISSION\tOUTCOME\tDURATION\tTASK")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.FiredAt.Local().Format("2006-01-02 15:04:05"), r.Mission, outcome(r),
					(time.Duration(r.DurationMS) * time.Millisecond).String(), r.TaskID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "Only runs of this mission")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs (default: server default)")
	return cmd
}

func outcome(r storage.RunRecord) string {
	switch {
	case r.Panicked:
		return "panicked"
	case r.Expired:
		return "expired"
	case r.Success:
		return "succeeded"
	case r.Error != "":
		return "failed: " + r.Error
	default:
		return "failed"
	}
}
