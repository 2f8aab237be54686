package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/structcap/internal/models"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running job",
	Long: `Ask the server to stop the running job. The current item is finished or the
child process is terminated; no new item is started afterwards.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	status, err := apiClient.Stop(cmd.Context())
	if err != nil {
		return fmt.Errorf("stop job: %w", err)
	}

	out := cmd.OutOrStdout()
	switch status {
	case models.StopStatusStopped:
		fmt.Fprintln(out, "Job stopped.")
	case models.StopStatusStopping:
		fmt.Fprintln(out, "Job is stopping. Use 'structcap status' to check when it has finished.")
	case models.StopStatusNotRunning:
		fmt.Fprintln(out, "No job is running.")
	default:
		fmt.Fprintf(out, "Stop status: %s\n", status)
	}
	return nil
}
