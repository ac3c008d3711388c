package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// AnthropicConfig configures AnthropicInvoker.
type AnthropicConfig struct {
	APIKey string
	// Model is used when the request does not name one.
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint, mostly for tests.
	BaseURL string
}

// AnthropicInvoker calls the Anthropic Messages API.
type AnthropicInvoker struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicInvoker creates an invoker backed by the Anthropic API.
// SDK-level retries are disabled; Guard owns the retry policy.
func NewAnthropicInvoker(cfg AnthropicConfig) (*AnthropicInvoker, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &AnthropicInvoker{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Invoke sends the prompt as a single user message.
func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := a.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropic(req.Agent, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}

	return &Response{
		Output:       out.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Duration:     time.Since(start),
		Attempts:     1,
	}, nil
}

func classifyAnthropic(agent string, err error) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		detail := fmt.Sprintf("status %d", apiErr.StatusCode)
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, 529:
			return NewError(types.ErrorKindRateLimited, agent, detail, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return NewError(types.ErrorKindTimeout, agent, detail, err)
		default:
			return NewError(types.ErrorKindUpstream, agent, detail, err)
		}
	}
	return Classify(agent, err)
}
