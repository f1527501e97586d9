// Package groq provides an llm.Provider backed by Groq's OpenAI-compatible
// chat completion streaming API, adapted from the teacher's
// core/llms/groq/streaming.go SSE scanner.
package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/relayvox/relayvox/frame"
	"github.com/relayvox/relayvox/llm"
)

const scopeName = "github.com/relayvox/relayvox/llm/groq"

var tracer = otel.Tracer(scopeName)

const (
	url         = "https://api.groq.com/openai/v1/chat/completions"
	chunkPrefix = "data: "
	endMessage  = "[DONE]"
)

// Provider calls the Groq chat completions endpoint in streaming mode.
type Provider struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// New builds a Provider. apiKey defaults to the GROQ_API_KEY environment
// variable when empty.
func New(apiKey, model string) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &Provider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
}

// WithMaxTokens caps generation length, spec.md §6's LLM_MAX_TOKENS.
func (p *Provider) WithMaxTokens(n int) *Provider {
	p.maxTokens = n
	return p
}

var _ llm.Provider = (*Provider)(nil)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type streamingDelta struct {
	Content      string  `json:"content"`
	FinishReason *string `json:"finish_reason"`
}

type streamingChoice struct {
	Delta streamingDelta `json:"delta"`
}

type streamingResponseBody struct {
	Choices []streamingChoice `json:"choices"`
}

func (p *Provider) Stream(ctx context.Context, messages []frame.Message, temperature float64) (llm.Stream, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("groq: GROQ_API_KEY not set")
	}

	wire := make([]message, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, message{Role: m.Role, Content: m.Text})
	}

	return &stream{provider: p, messages: wire, temperature: temperature, maxTokens: p.maxTokens}, nil
}

type stream struct {
	provider    *Provider
	messages    []message
	temperature float64
	maxTokens   int
}

func (s *stream) Chunks(ctx context.Context) func(func(string, error) bool) {
	return func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "groq.stream")
		defer span.End()

		reqBody := requestBody{
			Model:       s.provider.model,
			Messages:    s.messages,
			Stream:      true,
			Temperature: s.temperature,
			MaxTokens:   s.maxTokens,
		}
		bodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("groq: marshal request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(bodyBytes))
		if err != nil {
			yield("", fmt.Errorf("groq: build request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.provider.apiKey)

		resp, err := s.provider.client.Do(req)
		if err != nil {
			yield("", fmt.Errorf("groq: request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield("", fmt.Errorf("groq: non-OK status %s: %s", resp.Status, string(body)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			if len(chunk) == 0 {
				continue
			}
			if chunk == endMessage {
				return
			}

			var body streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &body); err != nil {
				if !yield("", fmt.Errorf("groq: unmarshal chunk: %w", err)) {
					return
				}
				continue
			}
			if len(body.Choices) == 0 {
				continue
			}
			content := body.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("groq: read stream: %w", err))
		}
	}
}
