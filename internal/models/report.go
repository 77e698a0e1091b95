package models

import "time"

// Report states.
const (
	ReportCompleted = "completed"
	ReportPartial   = "partial"
)

// ProblemNode is a node that ended a health-check run suspect or offline.
type ProblemNode struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport summarises one health-check run.
type HealthReport struct {
	Status          string        `json:"status"`
	RunID           string        `json:"run_id"`
	Trigger         string        `json:"trigger"`
	Source          string        `json:"source"`
	CheckedCount    int           `json:"checked_count"`
	OnlineCount     int           `json:"online_count"`
	OfflineCount    int           `json:"offline_count"`
	SuspectCount    int           `json:"suspect_count"`
	ProblemNodes    []ProblemNode `json:"problem_nodes"`
	DurationSeconds float64       `json:"duration_seconds"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
}
