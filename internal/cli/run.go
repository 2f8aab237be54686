package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/structcap/internal/client"
	"github.com/raphaelgruber/structcap/internal/models"
)

var (
	runAPIKey         string
	runProvider       string
	runParentDir      string
	runModel          string
	runNumViews       int
	runMaxTokens      int
	runRateLimitDelay float64
	runOverwrite      bool
	runNoRanking      bool
	runTemplateFile   string
	runTemplateJSON   string
	runObjects        []string
	runDetach         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a captioning job on the server",
	Long: `Start a captioning job on a running structcap-server and follow its output.

Unset flags fall back to the server's configuration. With --object the server
first renders the given 3D objects into <parent-dir>/Cap3D_imgs and captions
them afterwards. Only one job runs at a time.

Examples:
  structcap run --parent-dir /data/objects
  structcap run --template-file ./templates/furniture_template.json --overwrite
  structcap run --object ./chair.glb --object ./table.glb --detach`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAPIKey, "api-key", "", "provider API key (default from the server environment)")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "vision provider")
	runCmd.Flags().StringVar(&runParentDir, "parent-dir", "", "directory containing the object folders")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model name")
	runCmd.Flags().IntVarP(&runNumViews, "num-views", "n", 0, "views sent per object")
	runCmd.Flags().IntVar(&runMaxTokens, "max-tokens", 0, "response token budget")
	runCmd.Flags().Float64Var(&runRateLimitDelay, "rate-limit-delay", 0, "seconds to wait after each successful request")
	runCmd.Flags().BoolVar(&runOverwrite, "overwrite", false, "regenerate existing outputs")
	runCmd.Flags().BoolVar(&runNoRanking, "no-ranking", false, "ignore "+models.RankingFileName)
	runCmd.Flags().StringVar(&runTemplateFile, "template-file", "", "template file on the server")
	runCmd.Flags().StringVar(&runTemplateJSON, "template-json", "", "inline JSON template")
	runCmd.Flags().StringArrayVar(&runObjects, "object", nil, "3D object to render before captioning (repeatable)")
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "return after the job has started")
}

// buildStartRequest turns the run flags into a start request. Only flags the user
// set override the server defaults.
func buildStartRequest(cmd *cobra.Command) (models.StartRequest, error) {
	flags := cmd.Flags()
	req := models.StartRequest{
		APIKey:       runAPIKey,
		Provider:     runProvider,
		ParentDir:    runParentDir,
		Model:        runModel,
		Overwrite:    runOverwrite,
		TemplateFile: runTemplateFile,
		ObjectPaths:  runObjects,
	}
	if flags.Changed("num-views") {
		req.NumViews = runNumViews
	}
	if flags.Changed("max-tokens") {
		req.MaxTokens = runMaxTokens
	}
	if flags.Changed("rate-limit-delay") {
		delay := runRateLimitDelay
		req.RateLimitDelay = &delay
	}
	if runNoRanking {
		useRanking := false
		req.UseRanking = &useRanking
	}
	if runTemplateJSON != "" {
		tmpl, err := models.ParseTemplate([]byte(runTemplateJSON))
		if err != nil {
			return req, fmt.Errorf("--template-json: %w", err)
		}
		req.UseInlineTemplate = true
		req.InlineTemplate = tmpl
	}
	return req, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := buildStartRequest(cmd)
	if err != nil {
		return err
	}

	resp, err := apiClient.Start(cmd.Context(), req)
	if errors.Is(err, client.ErrJobRunning) {
		return errors.New("a job is already running (use 'structcap watch' or 'structcap stop')")
	}
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Started job %s\n", resp.JobID)
	if runDetach {
		fmt.Fprintln(cmd.OutOrStdout(), "Use 'structcap watch' to follow its output.")
		return nil
	}
	return follow(cmd.Context(), cmd)
}

// follow streams the current job, using the interactive display on a terminal.
func follow(ctx context.Context, cmd *cobra.Command) error {
	if isTerminal(os.Stdout) && cmd.OutOrStdout() == os.Stdout {
		return RunJobProgress(ctx, apiClient)
	}
	return streamPlain(ctx, apiClient, cmd.OutOrStdout())
}
