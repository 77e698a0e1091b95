package models

import "time"

// FailedLatency is reported for every probe that did not succeed.
const FailedLatency int64 = -1

// ProbeOutcome captures the result of one probe invocation.
type ProbeOutcome struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	LatencyMs int64     `json:"latency"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Region    string    `json:"region,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// FailedOutcome builds the normalised failure shape for node.
func FailedOutcome(node Node, reason string, at time.Time) ProbeOutcome {
	return ProbeOutcome{
		ID:        node.Key(),
		Host:      node.Host,
		Port:      node.Port,
		LatencyMs: FailedLatency,
		Success:   false,
		Error:     reason,
		Region:    node.Region,
		CheckedAt: at,
	}
}

// ScoredOutcome is a ProbeOutcome with its quality score.
type ScoredOutcome struct {
	ProbeOutcome
	Score int `json:"score"`
}
