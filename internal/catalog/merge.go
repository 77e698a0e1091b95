package catalog

import (
	"relayscope/internal/models"
)

// Merge joins catalog nodes with their health records, keeping catalog order.
// Nodes without a record get the initial status and no measurements. Missing
// share links are derived.
func Merge(nodes []models.Node, records map[string]models.HealthRecord, initial models.HealthStatus) []models.NodeView {
	views := make([]models.NodeView, 0, len(nodes))
	for _, n := range nodes {
		n.ID = n.Key()
		n.Link = n.ShareLink()
		view := models.NodeView{Node: n, Status: initial}
		if rec, ok := records[n.ID]; ok {
			checked := rec.LastHealthCheck
			view.Status = rec.Status
			view.Score = rec.LastScore
			view.LastHealthCheck = &checked
			view.HealthLatency = rec.HealthLatency
			view.ConsecutiveFailures = rec.ConsecutiveFailures
			view.Alive = rec.ConsecutiveFailures == 0
		}
		views = append(views, view)
	}
	return views
}
