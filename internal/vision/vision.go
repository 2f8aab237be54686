// Package vision submits images plus an instruction prompt to a vision-capable language model.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited is wrapped by adapters when the provider signals throttling.
var ErrRateLimited = errors.New("rate limited")

// Provider identifies a model backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderBedrock   Provider = "bedrock"
)

// Image is one base64-encoded view attached to a request.
type Image struct {
	MediaType string
	Data      string
}

// Bytes decodes the image payload.
func (i Image) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(i.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return b, nil
}

// DataURL renders the image as a data: URL.
func (i Image) DataURL() string {
	return "data:" + i.MediaType + ";base64," + i.Data
}

// Request is a single prompt with all images attached.
type Request struct {
	Prompt    string
	Images    []Image
	Model     string
	MaxTokens int
}

// Response is the model's text answer plus token usage when the provider reports it.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Model is the vision capability used by the captioning pipeline.
type Model interface {
	Submit(ctx context.Context, req Request) (Response, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider      Provider
	APIKey        string
	OpenAIBaseURL string
	OllamaHost    string
	AWSRegion     string
}

// New creates a Model for the configured provider.
func New(ctx context.Context, cfg Config) (Model, error) {
	switch cfg.Provider {
	case ProviderAnthropic, "":
		return NewAnthropic(cfg.APIKey)
	case ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.OpenAIBaseURL)
	case ProviderOllama:
		return NewOllama(cfg.OllamaHost)
	case ProviderBedrock:
		return NewBedrock(ctx, cfg.AWSRegion)
	default:
		return nil, fmt.Errorf("unsupported vision provider: %s", cfg.Provider)
	}
}

// RequiresAPIKey reports whether the provider needs an explicit credential.
func RequiresAPIKey(p Provider) bool {
	return p == ProviderAnthropic || p == ProviderOpenAI || p == ""
}

// isRateLimitMessage matches throttling errors that only surface as text.
func isRateLimitMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"429", "rate limit", "rate_limit", "too many requests"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// wrapRateLimit marks err with ErrRateLimited when limited is true.
func wrapRateLimit(err error, limited bool) error {
	if err == nil || !limited {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRateLimited, err)
}
