package invoker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoInvoker answers every request locally without calling a model. It is
// used for dry runs and demos.
type EchoInvoker struct {
	// Delay simulates call latency.
	Delay time.Duration
}

func (e EchoInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, Classify(req.Agent, ctx.Err())
		case <-timer.C:
		}
	}

	task := lastLine(req.Prompt)
	output := fmt.Sprintf("[%s] completed task %s: %s", req.Agent, req.TaskID, task)
	return &Response{
		Output:       output,
		InputTokens:  (len(req.Prompt) + 3) / 4,
		OutputTokens: (len(output) + 3) / 4,
		Duration:     time.Since(start),
		Attempts:     1,
	}, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
