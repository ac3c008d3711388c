package contextmgr

import "unicode/utf8"

// Estimator approximates the token count of a piece of content.
// Implementations must be deterministic and never return a negative count.
type Estimator interface {
	Estimate(content string) int
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(content string) int

func (f EstimatorFunc) Estimate(content string) int { return f(content) }

// RuneEstimator estimates one token per RunesPerToken runes, rounding up.
type RuneEstimator struct {
	RunesPerToken int
}

// DefaultEstimator is the heuristic used when none is configured.
var DefaultEstimator Estimator = RuneEstimator{RunesPerToken: 4}

func (e RuneEstimator) Estimate(content string) int {
	if content == "" {
		return 0
	}
	per := e.RunesPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(content)
	return (n + per - 1) / per
}
