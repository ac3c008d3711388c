package bus

import (
	"strings"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

const (
	broadcastPrefix = "@broadcast "
	notifyPrefix    = "@notify "
)

// Directive is a message an agent asked to send from within its output.
type Directive struct {
	Target  string
	Payload string
}

// ParseDirectives extracts bus directives from agent output. Recognized
// lines are
//
//	@broadcast <payload>
//	@notify <agent> <payload>
//
// Leading whitespace is ignored. Lines with an empty payload are skipped.
func ParseDirectives(output string) []Directive {
	_, out := SplitDirectives(output)
	return out
}

// SplitDirectives separates directive lines from the rest of the output.
// The returned text is the output without the recognized directive lines;
// it equals output when there are none.
func SplitDirectives(output string) (string, []Directive) {
	var (
		out  []Directive
		kept []string
	)
	lines := strings.Split(output, "\n")
	for _, raw := range lines {
		if d, ok := parseDirective(raw); ok {
			out = append(out, d)
			continue
		}
		kept = append(kept, raw)
	}
	if len(out) == 0 {
		return output, nil
	}
	return strings.Join(kept, "\n"), out
}

func parseDirective(raw string) (Directive, bool) {
	line := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(line, broadcastPrefix):
		payload := strings.TrimSpace(strings.TrimPrefix(line, broadcastPrefix))
		if payload != "" {
			return Directive{Target: types.BroadcastTarget, Payload: payload}, true
		}
	case strings.HasPrefix(line, notifyPrefix):
		rest := strings.TrimSpace(strings.TrimPrefix(line, notifyPrefix))
		target, payload, ok := strings.Cut(rest, " ")
		payload = strings.TrimSpace(payload)
		if ok && target != "" && payload != "" {
			return Directive{Target: target, Payload: payload}, true
		}
	}
	return Directive{}, false
}
