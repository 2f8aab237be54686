package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/structcap/internal/client"
	"github.com/raphaelgruber/structcap/internal/models"
)

var watchPlain bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the output of the current job",
	Long: `Follow the current (or most recent) job on the server from the beginning of
its buffered output until it finishes.

The exit code mirrors the job: 0 on success, the job's exit code when it ended
non-zero and 1 when it failed. Ctrl+C detaches without stopping the job.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print raw lines even on a terminal")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchPlain {
		return streamPlain(cmd.Context(), apiClient, cmd.OutOrStdout())
	}
	return follow(cmd.Context(), cmd)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// streamPlain prints every output line of the job and maps its terminal event to an error.
func streamPlain(ctx context.Context, c *client.Client, out io.Writer) error {
	final, err := c.Watch(ctx, func(ev models.Event) error {
		if ev.Type == models.EventOutput {
			fmt.Fprintln(out, ev.Data)
		}
		return nil
	})
	if errors.Is(err, client.ErrNoJob) {
		return errors.New("no job has been started")
	}
	if err != nil {
		return err
	}
	return finalError(final)
}

// finalError converts a terminal event into the command's result.
func finalError(ev models.Event) error {
	switch ev.Type {
	case models.EventError:
		return fmt.Errorf("job failed: %s", ev.Data)
	case models.EventComplete:
		if ev.Code != nil && *ev.Code != 0 {
			return &ExitError{Code: *ev.Code}
		}
	}
	return nil
}
