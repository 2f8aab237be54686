package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is used when a request does not name a model.
const DefaultOllamaModel = "llava"

// Ollama submits images to a local Ollama server's chat endpoint.
type Ollama struct {
	client *api.Client
}

var _ Model = (*Ollama)(nil)

// NewOllama creates a client for host, ignoring any path component.
func NewOllama(host string) (*Ollama, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Ollama{client: api.NewClient(base, http.DefaultClient)}, nil
}

// Submit sends a single non-streaming chat request with raw image bytes attached.
func (o *Ollama) Submit(ctx context.Context, req Request) (Response, error) {
	images := make([]api.ImageData, 0, len(req.Images))
	for i, img := range req.Images {
		data, err := img.Bytes()
		if err != nil {
			return Response{}, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, api.ImageData(data))
	}

	model := req.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	stream := false
	chatReq := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "user", Content: req.Prompt, Images: images},
		},
		Stream: &stream,
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	var resp Response
	err := o.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp.Text += r.Message.Content
		if r.Done {
			resp.InputTokens = int64(r.PromptEvalCount)
			resp.OutputTokens = int64(r.EvalCount)
		}
		return nil
	})
	if err != nil {
		return Response{}, wrapRateLimit(fmt.Errorf("ollama chat: %w", err), isOllamaRateLimit(err))
	}
	return resp, nil
}

func isOllamaRateLimit(err error) bool {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
