// Package openrouter implements qa.Generator against an OpenAI-compatible
// chat completions endpoint (OpenRouter by default).
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// Defaults mirror the hosted deployment.
const (
	DefaultBaseURL      = "https://openrouter.ai/api/v1"
	DefaultModel        = "openai/gpt-3.5-turbo"
	DefaultMaxTokens    = 500
	DefaultTemperature  = 0.7
	DefaultTimeout      = 60 * time.Second
	DefaultSystemPrompt = "You are a helpful assistant that answers questions about website content. Be concise and accurate."

	// NoAnswer is returned when the model replies with no text.
	NoAnswer = "No answer generated"

	userPromptFormat = "Based on the following website content, answer the question.\n\n" +
		"Website Content:\n%s\n\nQuestion: %s"
)

// ErrAPIKeyNotSet is returned by New when no key is configured.
var ErrAPIKeyNotSet = errors.New("generator API key not set")

// Config controls the completion request.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int64
	Temperature  float64
	// Timeout bounds a single call including retries.
	Timeout time.Duration
	// MaxRetries applies to rate-limit (429) and 5xx responses only.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Generator answers questions with a chat completion.
type Generator struct {
	client openai.Client
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and builds a Generator.
func New(cfg Config, logger *zap.Logger) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 32 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Generator{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger.Named("generator"),
	}, nil
}

// Model reports the configured model id.
func (g *Generator) Model() string { return g.cfg.Model }

// Answer asks the model to answer question using content as context.
// Failures are returned as *qa.GenerationError.
func (g *Generator) Answer(ctx context.Context, content, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(g.cfg.SystemPrompt),
			openai.UserMessage(fmt.Sprintf(userPromptFormat, content, question)),
		},
		MaxTokens:   openai.Int(g.cfg.MaxTokens),
		Temperature: openai.Float(g.cfg.Temperature),
	}

	start := time.Now()
	completion, err := g.completeWithRetry(ctx, params)
	telemetry.ObserveExternalCall("generate", err, time.Since(start))
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return NoAnswer, nil
	}
	answer := strings.TrimSpace(completion.Choices[0].Message.Content)
	if answer == "" {
		return NoAnswer, nil
	}
	return answer, nil
}

func (g *Generator) completeWithRetry(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := g.backoff(attempt)
			g.logger.Warn("retrying completion", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, &qa.GenerationError{Err: fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)}
			case <-time.After(wait):
			}
		}

		completion, err := g.client.Chat.Completions.New(ctx, params)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, toGenerationError(lastErr)
}

func (g *Generator) backoff(attempt int) time.Duration {
	wait := g.cfg.BaseBackoff << (attempt - 1)
	if wait <= 0 || wait > g.cfg.MaxBackoff {
		wait = g.cfg.MaxBackoff
	}
	return wait
}

func retryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func toGenerationError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &qa.GenerationError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return &qa.GenerationError{Err: err}
}
