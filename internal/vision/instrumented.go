package vision

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/structcap/internal/metrics"
)

// Instrumented records timing and token usage of every call on a metrics collector.
type Instrumented struct {
	next    Model
	metrics *metrics.Collector
}

var _ Model = (*Instrumented)(nil)

// NewInstrumented wraps next. A nil collector disables recording.
func NewInstrumented(next Model, collector *metrics.Collector) *Instrumented {
	return &Instrumented{next: next, metrics: collector}
}

func (m *Instrumented) Submit(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := m.next.Submit(ctx, req)
	duration := time.Since(start)

	if err != nil {
		slog.Warn("vision submit failed", "model", req.Model, "images", len(req.Images), "duration_ms", duration.Milliseconds(), "error", err)
		if m.metrics != nil {
			m.metrics.RecordError(metrics.OpVisionSubmit, duration)
		}
		return resp, err
	}

	slog.Debug("vision submit complete", "model", req.Model, "images", len(req.Images),
		"duration_ms", duration.Milliseconds(), "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	if m.metrics != nil {
		m.metrics.RecordModelUsage(metrics.OpVisionSubmit, duration, resp.InputTokens, resp.OutputTokens)
	}
	return resp, nil
}
