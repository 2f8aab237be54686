package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/structcap/internal/client"
	"github.com/raphaelgruber/structcap/internal/models"
)

var (
	statusHistory int
	statusStats   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current job, recent runs or server statistics",
	Long: `Show the state of the current (or most recent) job on the server.

Examples:
  structcap status
  structcap status --history 10
  structcap status --stats`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusHistory, "history", 0, "list the last N persisted runs")
	statusCmd.Flags().BoolVar(&statusStats, "stats", false, "print runtime statistics as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if statusStats {
		snap, err := apiClient.Stats(ctx)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if statusHistory > 0 {
		runs, err := apiClient.Jobs(ctx, statusHistory)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		printRuns(out, runs)
		return nil
	}

	status, err := apiClient.Status(ctx)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	printStatus(out, *status)
	return nil
}

func printStatus(w io.Writer, s models.JobStatus) {
	if s.State == models.JobStateIdle {
		fmt.Fprintln(w, "No job has been started.")
		return
	}

	fmt.Fprintf(w, "Job:     %s\n", s.ID)
	if s.Kind != "" {
		fmt.Fprintf(w, "Kind:    %s\n", s.Kind)
	}
	fmt.Fprintf(w, "State:   %s\n", s.State)
	if s.StartedAt != nil {
		fmt.Fprintf(w, "Started: %s\n", s.StartedAt.Local().Format(time.DateTime))
	}
	if s.CompletedAt != nil && s.StartedAt != nil {
		fmt.Fprintf(w, "Runtime: %s\n", s.CompletedAt.Sub(*s.StartedAt).Round(time.Second))
	}
	if s.ExitCode != nil {
		fmt.Fprintf(w, "Exit:    %d\n", *s.ExitCode)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", s.Error)
	}
	if s.Summary != nil {
		fmt.Fprintf(w, "Items:   %d total, %d success, %d failed, %d skipped\n",
			s.Summary.Total, s.Summary.Success, s.Summary.Failed, s.Summary.Skipped)
	}
}

func printRuns(w io.Writer, runs []client.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	fmt.Fprintf(w, "Runs (%d):\n\n", len(runs))
	for _, r := range runs {
		line := fmt.Sprintf("- %s  %-9s %-14s %s", r.StartedAt.Local().Format(time.DateTime), r.State, r.Kind, r.ParentDir)
		if r.ExitCode != nil {
			line += fmt.Sprintf("  exit=%d", *r.ExitCode)
		}
		fmt.Fprintln(w, line)
		if r.Summary != nil {
			fmt.Fprintf(w, "  %d/%d succeeded, %d failed, %d skipped\n",
				r.Summary.Success, r.Summary.Total, r.Summary.Failed, r.Summary.Skipped)
		}
		if r.Error != nil {
			fmt.Fprintf(w, "  error: %s\n", *r.Error)
		}
	}
}
