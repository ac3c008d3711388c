package invoker

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Sentinel errors, one per failure kind.
var (
	ErrTimeout      = errors.New("invocation timed out")
	ErrRateLimited  = errors.New("invocation rate limited")
	ErrUpstream     = errors.New("upstream error")
	ErrInvalidAgent = errors.New("invalid agent")
	ErrCancelled    = errors.New("invocation cancelled")
)

var kindSentinels = map[types.ErrorKind]error{
	types.ErrorKindTimeout:      ErrTimeout,
	types.ErrorKindRateLimited:  ErrRateLimited,
	types.ErrorKindUpstream:     ErrUpstream,
	types.ErrorKindInvalidAgent: ErrInvalidAgent,
	types.ErrorKindCancelled:    ErrCancelled,
}

// Error is a classified invocation failure.
type Error struct {
	Kind   types.ErrorKind
	Agent  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("agent %s: %s", e.Agent, kindSentinels[e.Kind])
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewError builds a classified error.
func NewError(kind types.ErrorKind, agent, detail string, cause error) *Error {
	return &Error{Kind: kind, Agent: agent, Detail: detail, Err: cause}
}

// Classify converts any error into an *Error. Already classified errors are
// returned as-is, context errors map to Timeout or Cancelled and everything
// else is an upstream error.
func Classify(agent string, err error) *Error {
	if err == nil {
		return nil
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return NewError(kind, agent, err.Error(), err)
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(types.ErrorKindTimeout, agent, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewError(types.ErrorKindCancelled, agent, "context cancelled", err)
	}
	return NewError(types.ErrorKindUpstream, agent, err.Error(), err)
}

// KindOf returns the failure kind of err, defaulting to upstream.
func KindOf(err error) types.ErrorKind {
	return Classify("", err).Kind
}

// TaskError converts an invocation error into the task's error record.
func TaskError(agent string, err error) *types.TaskError {
	ie := Classify(agent, err)
	return &types.TaskError{Kind: ie.Kind, Message: ie.Error()}
}

var (
	rateLimitIndicator = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|too.?many.?requests|\b429\b|overloaded)`)
)

// LooksRateLimited reports whether free-form upstream output describes a
// rate limit.
func LooksRateLimited(text string) bool {
	return rateLimitIndicator.MatchString(text)
}
