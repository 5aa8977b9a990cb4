// Package llm wraps the OpenAI-compatible HTTP surface of the local
// inference engine: the readiness probe (/v1/models) and streaming chat
// completions consumed by the streaming gateway.
package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/scalytics/connectd/internal/logging"
)

// EngineClient talks to the local vLLM server. The engine requires no API
// key; a placeholder satisfies the client library.
type EngineClient struct {
	client *openai.Client
}

// NewEngineClient creates a client for the engine at baseURL (e.g.
// "http://127.0.0.1:8003"). probeTimeout bounds individual requests made
// through this client; streaming calls manage their own deadlines.
func NewEngineClient(baseURL string, probeTimeout time.Duration) *EngineClient {
	cfg := openai.DefaultConfig("local")
	cfg.BaseURL = baseURL + "/v1"
	cfg.HTTPClient = &http.Client{Timeout: probeTimeout}
	return &EngineClient{client: openai.NewClientWithConfig(cfg)}
}

// ListModels returns the ids the engine is serving. Readiness means a
// non-empty list.
func (c *EngineClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// ChatMessage is one turn of a completion request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatOptions are the tunables accepted by the internal completion surface.
type ChatOptions struct {
	Temperature *float32
	MaxTokens   int
	TopP        *float32
}

// StreamChat issues a streaming chat completion against the engine and
// invokes onDelta for each content fragment. It returns the number of
// deltas delivered. onDelta returning an error aborts the stream.
func (c *EngineClient) StreamChat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions, onDelta func(content string) error) (int, error) {
	req := openai.ChatCompletionRequest{
		Model:  model,
		Stream: true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	deltas := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return deltas, nil
		}
		if err != nil {
			L_debug("llm: stream recv error", "error", err, "deltas", deltas)
			return deltas, err
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			deltas++
			if err := onDelta(choice.Delta.Content); err != nil {
				return deltas, err
			}
		}
	}
}
