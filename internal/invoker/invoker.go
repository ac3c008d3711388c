// Package invoker adapts the external agent invocation service.
//
// Invokers are stateless: they perform one call and report its outcome.
// They never touch the task graph or context; sequencing belongs to the
// scheduler.
package invoker

import (
	"context"
	"time"
)

// Request is one agent invocation.
type Request struct {
	WorkflowID string
	TaskID     string
	Agent      string
	Prompt     string

	// SystemPrompt and Model are filled from the agent directory by Guard.
	SystemPrompt string
	Model        string

	// Timeout bounds the call. Zero means no per-call limit.
	Timeout time.Duration
	// RateLimitRetries overrides the guard's retry budget for rate-limited
	// calls. Nil keeps RetryConfig.MaxRetries.
	RateLimitRetries *int
}

// Response is the outcome of a successful invocation.
type Response struct {
	Output       string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	// Attempts counts calls made, including rate-limited retries.
	Attempts int
}

// TokensUsed is the total of input and output tokens.
func (r *Response) TokensUsed() int {
	return r.InputTokens + r.OutputTokens
}

// Invoker calls an agent.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Profile is what the invocation service needs to know about an agent.
type Profile struct {
	Name         string
	SystemPrompt string
	Model        string
}

// Directory resolves agent names. Resolve returns an error matching
// ErrInvalidAgent when the agent is unknown.
type Directory interface {
	Resolve(ctx context.Context, agent string) (*Profile, error)
}

// DirectoryFunc adapts a function to the Directory interface.
type DirectoryFunc func(ctx context.Context, agent string) (*Profile, error)

func (f DirectoryFunc) Resolve(ctx context.Context, agent string) (*Profile, error) {
	return f(ctx, agent)
}
