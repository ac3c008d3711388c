package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
		is   error
	}{
		{"deadline", context.DeadlineExceeded, types.ErrorKindTimeout, ErrTimeout},
		{"cancelled", context.Canceled, types.ErrorKindCancelled, ErrCancelled},
		{"wrapped sentinel", fmt.Errorf("lookup: %w", ErrInvalidAgent), types.ErrorKindInvalidAgent, ErrInvalidAgent},
		{"plain", errors.New("connection reset"), types.ErrorKindUpstream, ErrUpstream},
		{"already classified", NewError(types.ErrorKindRateLimited, "a", "429", nil), types.ErrorKindRateLimited, ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ie := Classify("agent", tt.err)
			assert.Equal(t, tt.want, ie.Kind)
			assert.ErrorIs(t, ie, tt.is)
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.Nil(t, Classify("a", nil))
}

func TestTaskError(t *testing.T) {
	te := TaskError("ui-designer", NewError(types.ErrorKindTimeout, "ui-designer", "no response within 1s", nil))
	assert.Equal(t, types.ErrorKindTimeout, te.Kind)
	assert.Contains(t, te.Message, "ui-designer")
	assert.Contains(t, te.Message, "timed out")
}

func TestLooksRateLimited(t *testing.T) {
	assert.True(t, LooksRateLimited("Error: 429 Too Many Requests"))
	assert.True(t, LooksRateLimited("usage limit reached"))
	assert.True(t, LooksRateLimited("API overloaded"))
	assert.False(t, LooksRateLimited("syntax error on line 4290"))
}

func TestEchoInvoker(t *testing.T) {
	resp, err := EchoInvoker{}.Invoke(context.Background(), Request{Agent: "a", TaskID: "t1", Prompt: "## Context\nstuff\n## Task\nwrite tests"})
	require.NoError(t, err)
	assert.Equal(t, "[a] completed task t1: write tests", resp.Output)
	assert.Positive(t, resp.TokensUsed())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoInvoker{Delay: time.Second}.Invoke(ctx, Request{Agent: "a"})
	assert.ErrorIs(t, err, ErrCancelled)
}

func staticDirectory(agents ...string) Directory {
	known := make(map[string]bool)
	for _, a := range agents {
		known[a] = true
	}
	return DirectoryFunc(func(_ context.Context, agent string) (*Profile, error) {
		if !known[agent] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAgent, agent)
		}
		return &Profile{Name: agent, SystemPrompt: "You are " + agent, Model: "test-model"}, nil
	})
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func ptr(n int) *int { return &n }

func TestGuardInvalidAgent(t *testing.T) {
	var called atomic.Bool
	next := Func(func(context.Context, Request) (*Response, error) {
		called.Store(true)
		return &Response{}, nil
	})
	g := NewGuard(next, GuardConfig{Directory: staticDirectory("backend-architect")})

	_, err := g.Invoke(context.Background(), Request{Agent: "ghost"})
	assert.ErrorIs(t, err, ErrInvalidAgent)
	_, err = g.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidAgent)
	assert.False(t, called.Load())
}

func TestGuardFillsProfile(t *testing.T) {
	var got Request
	next := Func(func(_ context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Output: "ok"}, nil
	})
	g := NewGuard(next, GuardConfig{Directory: staticDirectory("backend-architect")})

	resp, err := g.Invoke(context.Background(), Request{Agent: "backend-architect", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "You are backend-architect", got.SystemPrompt)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 1, resp.Attempts)
	assert.Positive(t, resp.Duration)
}

func TestGuardPerCallTimeout(t *testing.T) {
	next := Func(func(ctx context.Context, _ Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := NewGuard(next, GuardConfig{})

	_, err := g.Invoke(context.Background(), Request{Agent: "a", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGuardParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	next := Func(func(ctx context.Context, _ Request) (*Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := NewGuard(next, GuardConfig{})

	_, err := g.Invoke(ctx, Request{Agent: "a", Timeout: time.Minute})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestGuardRateLimitRetries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		guardLimit int
		retries    *int
		wantErr    error
		wantCalls  int32
	}{
		{"no retries by default", 1, 0, nil, ErrRateLimited, 1},
		{"guard default applies", 2, 2, nil, nil, 3},
		{"request overrides guard", 2, 5, ptr(0), ErrRateLimited, 1},
		{"recovers within budget", 2, 0, ptr(3), nil, 3},
		{"budget exhausted", 5, 0, ptr(2), ErrRateLimited, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			next := Func(func(context.Context, Request) (*Response, error) {
				if int(calls.Add(1)) <= tt.failures {
					return nil, NewError(types.ErrorKindRateLimited, "a", "429", nil)
				}
				return &Response{Output: "done"}, nil
			})
			g := NewGuard(next, GuardConfig{Retry: RetryConfig{MaxRetries: tt.guardLimit}})
			g.sleep = noSleep

			resp, err := g.Invoke(context.Background(), Request{Agent: "a", RateLimitRetries: tt.retries})
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int(tt.wantCalls), resp.Attempts)
		})
	}
}

func TestGuardDoesNotRetryOtherKinds(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(context.Context, Request) (*Response, error) {
		calls.Add(1)
		return nil, errors.New("500 internal")
	})
	g := NewGuard(next, GuardConfig{})
	g.sleep = noSleep

	_, err := g.Invoke(context.Background(), Request{Agent: "a", RateLimitRetries: ptr(3)})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuardLimiter(t *testing.T) {
	next := Func(func(context.Context, Request) (*Response, error) { return &Response{}, nil })
	g := NewGuard(next, GuardConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	_, err := g.Invoke(context.Background(), Request{Agent: "a"})
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), Request{Agent: "a", Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRetryBackoff(t *testing.T) {
	c := RetryConfig{BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(4))
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandInvoker(t *testing.T) {
	requireShell(t)
	script := `read prompt
echo '{"type":"output","text":"agent '"$AGENT_NAME"' says: "}'
echo "$prompt"
echo '{"type":"usage","input_tokens":7,"output_tokens":3}'`
	inv, err := NewCommandInvoker(CommandConfig{Command: []string{"sh", "-c", script}})
	require.NoError(t, err)

	resp, err := inv.Invoke(context.Background(), Request{Agent: "devops-engineer", TaskID: "t", Prompt: "ship it\n"})
	require.NoError(t, err)
	assert.Equal(t, "agent devops-engineer says: \nship it", resp.Output)
	assert.Equal(t, 7, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
}

func TestCommandInvokerFailures(t *testing.T) {
	requireShell(t)

	upstream, err := NewCommandInvoker(CommandConfig{Command: []string{"sh", "-c", "echo broken >&2; exit 3"}})
	require.NoError(t, err)
	_, err = upstream.Invoke(context.Background(), Request{Agent: "a"})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "exit code 3")

	limited, err := NewCommandInvoker(CommandConfig{Command: []string{"sh", "-c", "echo 'rate limit exceeded' >&2; exit 1"}})
	require.NoError(t, err)
	_, err = limited.Invoke(context.Background(), Request{Agent: "a"})
	assert.ErrorIs(t, err, ErrRateLimited)

	slow, err := NewCommandInvoker(CommandConfig{Command: []string{"sh", "-c", "exec sleep 5"}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = slow.Invoke(ctx, Request{Agent: "a"})
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = NewCommandInvoker(CommandConfig{})
	assert.Error(t, err)
}

func TestAnthropicInvoker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"schema ready"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":11,"output_tokens":4}}`)
	}))
	defer srv.Close()

	inv, err := NewAnthropicInvoker(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := inv.Invoke(context.Background(), Request{Agent: "database-architect", Prompt: "design", SystemPrompt: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "schema ready", resp.Output)
	assert.Equal(t, 11, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)

	status.Store(http.StatusTooManyRequests)
	_, err = inv.Invoke(context.Background(), Request{Agent: "database-architect", Prompt: "design"})
	assert.ErrorIs(t, err, ErrRateLimited)

	status.Store(http.StatusBadRequest)
	_, err = inv.Invoke(context.Background(), Request{Agent: "database-architect", Prompt: "design"})
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = NewAnthropicInvoker(AnthropicConfig{})
	assert.Error(t, err)
}
