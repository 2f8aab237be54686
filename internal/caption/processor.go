package caption

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/structcap/internal/models"
	"github.com/raphaelgruber/structcap/internal/vision"
)

// Defaults for Options fields left at their zero value.
const (
	DefaultNumViews       = 6
	DefaultMaxTokens      = 4096
	DefaultRateLimitDelay = time.Second
)

var (
	// ErrAlreadyProcessed marks an item skipped because its output exists.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrNoImages marks an item with no selectable views.
	ErrNoImages = errors.New("no images found")
	// ErrImageEncoding marks a failure reading a selected view.
	ErrImageEncoding = errors.New("image encoding error")
	// ErrModelCall marks a failed vision model call.
	ErrModelCall = errors.New("api error")
)

// Options configure a captioning run.
type Options struct {
	Model          string
	NumViews       int
	MaxTokens      int
	RateLimitDelay time.Duration
	Overwrite      bool
	UseRanking     bool
}

// Processor captions single items against a fixed template.
type Processor struct {
	model  vision.Model
	prompt string
	opts   Options
}

// NewProcessor creates a processor. The prompt is built once and reused for every item.
func NewProcessor(model vision.Model, tmpl models.Template, opts Options) *Processor {
	if opts.NumViews <= 0 {
		opts.NumViews = DefaultNumViews
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Processor{
		model:  model,
		prompt: BuildPrompt(tmpl),
		opts:   opts,
	}
}

// Process captions one item and persists its output. It never returns an error;
// failures are classified into the result's outcome and reason.
func (p *Processor) Process(ctx context.Context, item models.Item) models.ItemResult {
	outputPath := filepath.Join(item.Path, models.OutputFileName)
	if !p.opts.Overwrite && fileExists(outputPath) {
		return skipped(item.UID, ErrAlreadyProcessed)
	}

	views := SelectViews(item.Path, p.opts.NumViews, p.opts.UseRanking)
	if len(views) == 0 {
		return failed(item.UID, ErrNoImages.Error(), ErrNoImages)
	}

	images, err := encodeImages(views)
	if err != nil {
		return failed(item.UID, fmt.Sprintf("image encoding error: %v", err), fmt.Errorf("%w: %w", ErrImageEncoding, err))
	}

	slog.Debug("submitting item", "uid", item.UID, "views", len(views), "model", p.opts.Model)

	// In-flight calls are allowed to finish when the batch is stopped so no item is left half written.
	resp, err := p.model.Submit(context.WithoutCancel(ctx), vision.Request{
		Prompt:    p.prompt,
		Images:    images,
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, vision.ErrRateLimited) {
			return failed(item.UID, fmt.Sprintf("rate limit error: %v", err), err)
		}
		return failed(item.UID, fmt.Sprintf("api error: %v", err), fmt.Errorf("%w: %w", ErrModelCall, err))
	}

	output, err := ExtractJSON(resp.Text)
	if err != nil {
		slog.Debug("unparseable model response", "uid", item.UID, "error", err)
		return failed(item.UID, "could not parse JSON from response", err)
	}

	if err := writeOutput(outputPath, output); err != nil {
		return failed(item.UID, fmt.Sprintf("write output: %v", err), err)
	}

	return models.ItemResult{UID: item.UID, Outcome: models.OutcomeSuccess, Output: output}
}

func skipped(uid string, err error) models.ItemResult {
	return models.ItemResult{UID: uid, Outcome: models.OutcomeSkipped, Reason: err.Error(), Err: err}
}

func failed(uid, reason string, err error) models.ItemResult {
	return models.ItemResult{UID: uid, Outcome: models.OutcomeFailed, Reason: reason, Err: err}
}

// encodeImages reads every view. Any failure discards the whole set.
func encodeImages(paths []string) ([]vision.Image, error) {
	images := make([]vision.Image, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		images = append(images, vision.Image{
			MediaType: mediaType(path),
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

func mediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

// writeOutput stores the value indented by two spaces. The file appears only once fully written.
func writeOutput(path string, output json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, output, "", "  "); err != nil {
		return fmt.Errorf("indent output: %w", err)
	}
	buf.WriteByte('\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".structured_output-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
