package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

// DefaultAnthropicModel is used when a request does not name a model.
const DefaultAnthropicModel = "claude-3-5-sonnet-latest"

// Anthropic submits multimodal messages through langchaingo's Anthropic client.
type Anthropic struct {
	llm llms.Model
}

var _ Model = (*Anthropic)(nil)

// NewAnthropic creates the default vision provider.
func NewAnthropic(apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key required")
	}
	llm, err := anthropic.New(
		anthropic.WithToken(apiKey),
		anthropic.WithModel(DefaultAnthropicModel),
	)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return &Anthropic{llm: llm}, nil
}

// Submit sends the prompt followed by every image in a single human message.
func (a *Anthropic) Submit(ctx context.Context, req Request) (Response, error) {
	parts := make([]llms.ContentPart, 0, len(req.Images)+1)
	parts = append(parts, llms.TextPart(req.Prompt))
	for i, img := range req.Images {
		data, err := img.Bytes()
		if err != nil {
			return Response{}, fmt.Errorf("image %d: %w", i, err)
		}
		parts = append(parts, llms.BinaryPart(img.MediaType, data))
	}

	messages := []llms.MessageContent{{Role: llms.ChatMessageTypeHuman, Parts: parts}}

	model := req.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	opts := []llms.CallOption{llms.WithModel(model)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	start := time.Now()
	resp, err := a.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		slog.Debug("anthropic request failed", "model", model, "images", len(req.Images), "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return Response{}, wrapRateLimit(fmt.Errorf("anthropic generate: %w", err), isRateLimitMessage(err))
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("anthropic generate: no response choices")
	}

	choice := resp.Choices[0]
	return Response{
		Text:         choice.Content,
		InputTokens:  generationInt(choice.GenerationInfo, "InputTokens"),
		OutputTokens: generationInt(choice.GenerationInfo, "OutputTokens"),
	}, nil
}

// generationInt reads a numeric usage field from langchaingo's loosely typed generation info.
func generationInt(info map[string]any, key string) int64 {
	switch v := info[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
