// Package genai provides structured LLM completions using the OpenAI API.
//
// It is the language model gateway of TriagePipe: callers hand it a rendered
// prompt, an optional image and a JSON schema, and get back decoded JSON that
// conforms to the schema or an error.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration constants
const (
	// DefaultModel is the chat model used when none is configured
	DefaultModel = "gpt-4o-mini"
	// DefaultTemperature keeps classification deterministic
	DefaultTemperature = 0.0
	// DefaultMaxTokens bounds a single structured completion
	DefaultMaxTokens = 1024
)

var (
	// ErrNoChoicesReturned is returned when the API responds without any choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyContent is returned when the chosen message has no content.
	ErrEmptyContent = errors.New("empty completion content")
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
	// ErrInvalidOutput wraps a completion that does not decode into the target schema.
	ErrInvalidOutput = errors.New("completion does not match schema")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides the completion token limit.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode enables writing request/response dumps under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// WithHTTPClient overrides the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps the OpenAI ChatCompletion service for structured generation.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI NewClient: API key not set")
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client created", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "", "debugMode", cfg.DebugMode)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// StructuredRequest describes one schema-constrained completion.
type StructuredRequest struct {
	// SchemaName identifies the schema to the API (letters, digits, underscores).
	SchemaName string
	// Schema is a JSON schema object; strict mode requires every property to be
	// listed in "required" and additionalProperties to be false.
	Schema map[string]any
	// Prompt is the fully rendered prompt text.
	Prompt string
	// Image is an optional JPEG/PNG payload sent alongside the prompt.
	Image []byte
}

// GenerateStructured runs a structured completion and decodes the JSON result into out.
func (c *Client) GenerateStructured(ctx context.Context, req StructuredRequest, out any) error {
	if req.SchemaName == "" || req.Schema == nil {
		return fmt.Errorf("structured request requires a schema name and schema")
	}

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            []openai.ChatCompletionMessageParamUnion{buildUserMessage(req.Prompt, req.Image)},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	slog.Debug("GenAI GenerateStructured: calling model", "schema", req.SchemaName, "model", c.model, "promptLength", len(req.Prompt), "hasImage", len(req.Image) > 0)
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog("GenerateStructured", params, resp, err)
	if err != nil {
		slog.Error("GenAI GenerateStructured: completion failed", "schema", req.SchemaName, "error", err)
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		if refusal := resp.Choices[0].Message.Refusal; refusal != "" {
			return fmt.Errorf("%w: model refused: %s", ErrEmptyContent, refusal)
		}
		return ErrEmptyContent
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), out); err != nil {
		slog.Warn("GenAI GenerateStructured: output did not decode", "schema", req.SchemaName, "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	slog.Debug("GenAI GenerateStructured: decoded output", "schema", req.SchemaName)
	return nil
}

// buildUserMessage returns a plain text message, or a multi-part message when an
// image is attached.
func buildUserMessage(prompt string, image []byte) openai.ChatCompletionMessageParamUnion {
	if len(image) == 0 {
		return openai.UserMessage(prompt)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: imageDataURL(image),
		}),
	}
	return openai.UserMessage(parts)
}

// imageDataURL encodes an image as a data URL, sniffing the content type.
func imageDataURL(image []byte) string {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}

// stripCodeFence removes a surrounding ```json fence some models add even in JSON mode.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
