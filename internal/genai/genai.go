// Package genai provides GenAI-enhanced operations using the OpenAI API.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default generation parameters. Temperature is kept low for consistent
// classification and SQL output.
const (
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 500
)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides the default completion token cap.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Schema describes a constrained JSON output for structured generation.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// ClientInterface defines the GenAI operations consumed by the pipeline.
// Both classification and free-text generation may fail and callers must
// treat them as fallible.
type ClientInterface interface {
	// GenerateText generates a completion for a single user prompt.
	GenerateText(ctx context.Context, prompt string) (string, error)

	// GenerateWithSystem generates a completion for a system + user prompt pair.
	GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// GenerateStructured generates a completion constrained to the given JSON
	// schema and returns the raw JSON text.
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, schema Schema) ([]byte, error)
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client      openai.Client
	model       shared.ChatModel
	temperature float64
	maxTokens   int64
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := shared.ChatModel(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	slog.Debug("GenAI client created", "model", model, "temperature", cfg.Temperature, "max_tokens", cfg.MaxTokens)
	return &Client{
		client:      openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GenerateText generates a completion for a single user prompt.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	})
}

// GenerateWithSystem generates a completion for a system + user prompt pair.
func (c *Client) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	})
}

// GenerateStructured generates a completion constrained to a JSON schema via
// the structured outputs response format.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, schema Schema) ([]byte, error) {
	content, err := c.complete(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Schema:      schema.Definition,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
