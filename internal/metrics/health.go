package metrics

import (
	"math"
	"time"

	"relayscope/internal/models"
)

// HealthStats summarises the health of a node snapshot.
type HealthStats struct {
	Total            int     `json:"total"`
	Online           int     `json:"online"`
	Suspect          int     `json:"suspect"`
	Offline          int     `json:"offline"`
	Unknown          int     `json:"unknown"`
	NeverChecked     int     `json:"never_checked"`
	OnlinePercent    float64 `json:"online_percent"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	AverageScore     float64 `json:"average_score"`
	LastChecked      string  `json:"last_checked,omitempty"`
}

// ComputeHealthStats aggregates status counts and averages from views.
// Averages only consider nodes that were probed.
func ComputeHealthStats(views []models.NodeView) HealthStats {
	var (
		stats      HealthStats
		latencySum int64
		latencyN   int
		scoreSum   int
		probed     int
		last       time.Time
	)
	for _, v := range views {
		stats.Total++
		switch v.Status {
		case models.StatusOnline:
			stats.Online++
		case models.StatusSuspect:
			stats.Suspect++
		case models.StatusOffline:
			stats.Offline++
		default:
			stats.Unknown++
		}

		if v.LastHealthCheck == nil {
			stats.NeverChecked++
			continue
		}
		probed++
		scoreSum += v.Score
		if v.LastHealthCheck.After(last) {
			last = *v.LastHealthCheck
		}
		if v.HealthLatency != nil && *v.HealthLatency >= 0 {
			latencySum += *v.HealthLatency
			latencyN++
		}
	}

	if stats.Total > 0 {
		stats.OnlinePercent = round2(float64(stats.Online) / float64(stats.Total) * 100)
	}
	if latencyN > 0 {
		stats.AverageLatencyMs = round2(float64(latencySum) / float64(latencyN))
	}
	if probed > 0 {
		stats.AverageScore = round2(float64(scoreSum) / float64(probed))
	}
	if !last.IsZero() {
		stats.LastChecked = last.UTC().Format(time.RFC3339)
	}
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
