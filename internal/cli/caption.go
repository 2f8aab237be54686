package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/structcap/internal/caption"
	"github.com/raphaelgruber/structcap/internal/jobs"
	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
	"github.com/raphaelgruber/structcap/internal/vision"
)

var (
	captionAPIKey         string
	captionParentDir      string
	captionImagesDir      string
	captionTemplateFile   string
	captionTemplateJSON   string
	captionModel          string
	captionProvider       string
	captionNumViews       int
	captionMaxTokens      int
	captionRateLimitDelay float64
	captionOverwrite      bool
	captionUseRanking     bool
	captionNoRanking      bool

	// newModel is replaced in tests.
	newModel = vision.New
)

var captionCmd = &cobra.Command{
	Use:   "caption",
	Short: "Caption every object folder under a parent directory",
	Long: `Generate a structured JSON description for each object folder found in
<parent-dir>/Cap3D_imgs, writing structured_output.json next to its views.

Folders that already have an output are skipped unless --overwrite is set.
Ctrl+C stops after the current item; the summary still reports what was done.

Examples:
  structcap caption --parent-dir ./example_material
  structcap caption --template-json '{"name":"","parts":[""]}' --num-views 4
  structcap caption --provider openai --model gpt-4o --overwrite`,
	Args: cobra.NoArgs,
	RunE: runCaption,
}

func init() {
	captionCmd.Flags().StringVar(&captionAPIKey, "api-key", "", "provider API key (default from ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	captionCmd.Flags().StringVar(&captionParentDir, "parent-dir", "", "directory containing the object folders (default from config)")
	captionCmd.Flags().StringVar(&captionImagesDir, "images-dir", "", "item directory, overrides --parent-dir and the configured images subdir")
	captionCmd.Flags().StringVar(&captionTemplateFile, "template-file", "", "JSON or YAML template file (default from config)")
	captionCmd.Flags().StringVar(&captionTemplateJSON, "template-json", "", "inline JSON template, takes precedence over --template-file")
	captionCmd.Flags().StringVarP(&captionModel, "model", "m", "", "model name (provider default if empty)")
	captionCmd.Flags().StringVarP(&captionProvider, "provider", "p", "", "vision provider: anthropic, openai, ollama or bedrock")
	captionCmd.Flags().IntVarP(&captionNumViews, "num-views", "n", caption.DefaultNumViews, "views sent per object")
	captionCmd.Flags().IntVar(&captionMaxTokens, "max-tokens", caption.DefaultMaxTokens, "response token budget")
	captionCmd.Flags().Float64Var(&captionRateLimitDelay, "rate-limit-delay", caption.DefaultRateLimitDelay.Seconds(), "seconds to wait after each successful request")
	captionCmd.Flags().BoolVar(&captionOverwrite, "overwrite", false, "regenerate existing outputs")
	captionCmd.Flags().BoolVar(&captionUseRanking, "use-ranking", true, "pick views by "+models.RankingFileName+" when present")
	captionCmd.Flags().BoolVar(&captionNoRanking, "no-ranking", false, "always use the first numbered views")
}

// captionParams is a fully resolved caption invocation.
type captionParams struct {
	provider  string
	apiKey    string
	imagesDir string
	template  models.Template
	opts      caption.Options
}

// resolveCaptionParams merges flags over the loaded config.
func resolveCaptionParams(cmd *cobra.Command) (captionParams, error) {
	flags := cmd.Flags()

	provider := captionProvider
	if provider == "" {
		provider = cfg.Provider
	}
	apiKey := captionAPIKey
	if apiKey == "" {
		apiKey = cfg.APIKeyFor(provider)
	}
	if vision.RequiresAPIKey(vision.Provider(provider)) && apiKey == "" {
		return captionParams{}, fmt.Errorf("API key is required for provider %s (use --api-key)", provider)
	}

	parentDir := captionParentDir
	if parentDir == "" {
		parentDir = cfg.ParentDir
	}
	templateFile := captionTemplateFile
	if templateFile == "" {
		templateFile = cfg.TemplateFile
	}
	tmpl, err := models.LoadTemplate(captionTemplateJSON, templateFile)
	if err != nil {
		return captionParams{}, err
	}

	opts := caption.Options{
		Model:          captionModel,
		NumViews:       captionNumViews,
		MaxTokens:      captionMaxTokens,
		RateLimitDelay: time.Duration(captionRateLimitDelay * float64(time.Second)),
		Overwrite:      captionOverwrite,
		UseRanking:     captionUseRanking && !captionNoRanking,
	}
	if opts.Model == "" {
		opts.Model = cfg.Model
	}
	if !flags.Changed("num-views") {
		opts.NumViews = cfg.NumViews
	}
	if !flags.Changed("max-tokens") {
		opts.MaxTokens = cfg.MaxTokens
	}
	if !flags.Changed("rate-limit-delay") {
		opts.RateLimitDelay = cfg.RateLimitDelay
	}
	if !flags.Changed("use-ranking") && !captionNoRanking {
		opts.UseRanking = cfg.UseRanking
	}
	if opts.NumViews < 1 || opts.MaxTokens < 1 || opts.RateLimitDelay < 0 {
		return captionParams{}, errors.New("--num-views and --max-tokens must be positive, --rate-limit-delay must not be negative")
	}

	imagesDir := captionImagesDir
	if imagesDir == "" {
		imagesDir = cfg.ImagesDir(parentDir)
	}

	return captionParams{
		provider:  provider,
		apiKey:    apiKey,
		imagesDir: imagesDir,
		template:  tmpl,
		opts:      opts,
	}, nil
}

func runCaption(cmd *cobra.Command, args []string) error {
	params, err := resolveCaptionParams(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := newModel(ctx, cfg.Vision(params.provider, params.apiKey))
	if err != nil {
		return fmt.Errorf("create vision model: %w", err)
	}

	collector := metrics.NewCollector()
	out := cmd.OutOrStdout()
	summary, err := captionBatch(ctx, out, vision.NewInstrumented(model, collector), params, collector)
	if err != nil {
		return err
	}
	if verbose {
		printUsage(out, collector.Snapshot())
	}
	if summary.Stopped {
		return &ExitError{Code: jobs.ExitCodeStopped}
	}
	return nil
}

// captionBatch prints the template banner, processes every item and writes the report.
func captionBatch(ctx context.Context, out io.Writer, model vision.Model, p captionParams, collector *metrics.Collector) (models.BatchSummary, error) {
	caption.WriteTemplateBanner(out, p.template)

	proc := caption.NewProcessor(model, p.template, p.opts)
	summary, err := caption.NewRunner(proc, out, collector).Run(ctx, p.imagesDir)
	if err != nil {
		return summary, err
	}
	summary.WriteReport(out)
	return summary, nil
}

func printUsage(w io.Writer, snap metrics.Snapshot) {
	op := snap.VisionSubmit
	if op == nil {
		return
	}
	fmt.Fprintf(w, "\nModel calls: %d (%d errors), avg %.0fms\n", op.Count, op.Errors, op.AvgTimeMs)
	if op.TotalInputTokens != nil && op.TotalOutputTokens != nil {
		fmt.Fprintf(w, "Tokens: %d in, %d out\n", *op.TotalInputTokens, *op.TotalOutputTokens)
	}
}
