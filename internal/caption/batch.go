package caption

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
)

// Runner processes every item of an images directory in uid order.
type Runner struct {
	proc    *Processor
	delay   time.Duration
	out     io.Writer
	metrics *metrics.Collector
}

// NewRunner creates a runner that prints per-item progress lines to out.
// collector may be nil.
func NewRunner(proc *Processor, out io.Writer, collector *metrics.Collector) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		proc:    proc,
		delay:   proc.opts.RateLimitDelay,
		out:     out,
		metrics: collector,
	}
}

// Run processes the items under imagesDir sequentially. Cancelling ctx stops the batch
// before the next item; the partial summary is returned with Stopped set.
// The only error is a missing images directory.
func (r *Runner) Run(ctx context.Context, imagesDir string) (models.BatchSummary, error) {
	items, err := Discover(imagesDir)
	if err != nil {
		return models.BatchSummary{}, err
	}
	fmt.Fprintf(r.out, "Found %d folders to process\n", len(items))

	return r.RunItems(ctx, items), nil
}

// RunItems processes the given items in order.
func (r *Runner) RunItems(ctx context.Context, items []models.Item) models.BatchSummary {
	summary := models.BatchSummary{Total: len(items)}

	for i, item := range items {
		if ctx.Err() != nil {
			summary.Stopped = true
			break
		}

		result := r.proc.Process(ctx, item)
		summary.Record(result)
		if r.metrics != nil {
			r.metrics.RecordItem(string(result.Outcome))
		}

		switch result.Outcome {
		case models.OutcomeSuccess:
			fmt.Fprintf(r.out, "✓ %s: Success\n", item.UID)
		case models.OutcomeSkipped:
			slog.Debug("item skipped", "uid", item.UID, "reason", result.Reason)
		default:
			fmt.Fprintf(r.out, "✗ %s: %s\n", item.UID, result.Reason)
			slog.Debug("item failed", "uid", item.UID, "error", result.Err)
		}

		last := i == len(items)-1
		if result.Outcome == models.OutcomeSuccess && !last && r.delay > 0 {
			if !sleep(ctx, r.delay) {
				summary.Stopped = true
				break
			}
		}
	}

	slog.Info("batch finished",
		"total", summary.Total,
		"success", summary.Success,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"stopped", summary.Stopped)
	return summary
}

// sleep waits for d, returning false if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
