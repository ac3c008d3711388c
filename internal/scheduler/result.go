package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

var (
	// ErrWorkflowTimedOut reports a run stopped by its global timeout.
	ErrWorkflowTimedOut = errors.New("workflow timed out")
	// ErrWorkflowFailed reports a run that ended Failed (fail-fast or cancelled).
	ErrWorkflowFailed = errors.New("workflow failed")
)

// ResultError converts a finished run into an error for callers that only
// care whether it completed. Completed runs with isolated task failures
// return nil.
func ResultError(res *types.WorkflowResult) error {
	if res == nil {
		return errors.New("no workflow result")
	}
	switch res.Status {
	case types.WorkflowStatusCompleted:
		return nil
	case types.WorkflowStatusTimedOut:
		return fmt.Errorf("%w: %s", ErrWorkflowTimedOut, res.Error)
	default:
		return fmt.Errorf("%w: %s", ErrWorkflowFailed, res.Error)
	}
}

// ParamSeeds turns a workflow's parameter bag into global context entries
// keyed "param/<name>", in name order. Strings are used verbatim, other
// values as JSON.
func ParamSeeds(params map[string]any) []Seed {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seeds := make([]Seed, 0, len(keys))
	for _, k := range keys {
		var content string
		switch v := params[k].(type) {
		case string:
			content = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				content = fmt.Sprint(v)
			} else {
				content = string(b)
			}
		}
		seeds = append(seeds, Seed{Key: "param/" + k, Content: content})
	}
	return seeds
}
