// Package score maps a single probe result to a 0-100 quality score.
//
// The mapping is banded: inside a band the score falls linearly down to the
// band's floor, so 200 ms scores 90, 400 ms scores 70 and anything from
// 1000 ms on scores 40.
package score

import (
	"math"

	"relayscope/internal/models"
)

const (
	Max = 100
	Min = 0
)

// Score returns the quality score for a probe that took latencyMs.
// Failed probes and negative latencies score 0.
func Score(latencyMs int64, success bool) int {
	if !success || latencyMs < 0 {
		return Min
	}

	l := float64(latencyMs)
	var v float64
	switch {
	case l < 100:
		v = 100
	case l < 300:
		v = math.Max(80, 100-(l-100)/200*20)
	case l < 500:
		v = math.Max(60, 80-(l-300)/200*20)
	default:
		v = math.Max(40, 60-(l-500)/500*20)
	}
	return clamp(int(math.Round(v)))
}

// Apply attaches the score to outcome.
func Apply(outcome models.ProbeOutcome) models.ScoredOutcome {
	return models.ScoredOutcome{
		ProbeOutcome: outcome,
		Score:        Score(outcome.LatencyMs, outcome.Success),
	}
}

func clamp(v int) int {
	if v < Min {
		return Min
	}
	if v > Max {
		return Max
	}
	return v
}
