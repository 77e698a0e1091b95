// Package visibility derives the slice of the node snapshot a caller may see.
package visibility

import (
	"sort"
	"strings"

	"relayscope/internal/models"
)

// DefaultFreeLimit caps how many nodes an unprivileged caller sees.
const DefaultFreeLimit = 20

// Filter applies q to snapshot with the default cap.
func Filter(snapshot []models.NodeView, q models.VisibilityQuery) []models.NodeView {
	return Policy{FreeLimit: DefaultFreeLimit}.Apply(snapshot, q)
}

// Policy holds the tunables of the filter.
type Policy struct {
	// FreeLimit <= 0 falls back to DefaultFreeLimit.
	FreeLimit int
}

// Apply filters by keyword, then protocol, then country, and finally caps the
// result for unprivileged callers. The snapshot is never modified and the
// result never aliases it.
func (p Policy) Apply(snapshot []models.NodeView, q models.VisibilityQuery) []models.NodeView {
	limit := p.FreeLimit
	if limit <= 0 {
		limit = DefaultFreeLimit
	}

	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))
	protocol := strings.TrimSpace(q.Protocol)
	country := strings.TrimSpace(q.Country)

	out := make([]models.NodeView, 0, len(snapshot))
	for _, v := range snapshot {
		if keyword != "" && !matchesKeyword(v, keyword) {
			continue
		}
		if protocol != "" && v.Protocol != protocol {
			continue
		}
		if country != "" && v.Country != country {
			continue
		}
		out = append(out, detach(v))
	}

	if q.Tier != models.TierPrivileged && len(out) > limit {
		out = out[:limit:limit]
	}
	return out
}

// detach copies the pointer fields so callers cannot reach the snapshot.
func detach(v models.NodeView) models.NodeView {
	if v.LastHealthCheck != nil {
		checked := *v.LastHealthCheck
		v.LastHealthCheck = &checked
	}
	if v.HealthLatency != nil {
		latency := *v.HealthLatency
		v.HealthLatency = &latency
	}
	return v
}

func matchesKeyword(v models.NodeView, keyword string) bool {
	for _, field := range [...]string{v.Name, v.Host, v.Country, v.Key()} {
		if strings.Contains(strings.ToLower(field), keyword) {
			return true
		}
	}
	return false
}

// Facets lists the filter values present in a snapshot.
type Facets struct {
	Protocols []string `json:"protocols"`
	Countries []string `json:"countries"`
}

// CollectFacets returns the sorted distinct protocols and countries in snapshot.
func CollectFacets(snapshot []models.NodeView) Facets {
	protocols := make(map[string]struct{})
	countries := make(map[string]struct{})
	for _, v := range snapshot {
		if v.Protocol != "" {
			protocols[v.Protocol] = struct{}{}
		}
		if v.Country != "" {
			countries[v.Country] = struct{}{}
		}
	}
	return Facets{Protocols: sortedKeys(protocols), Countries: sortedKeys(countries)}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
