package models

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Node is a candidate relay endpoint from the catalog.
type Node struct {
	ID       string `yaml:"id" json:"id"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Protocol string `yaml:"protocol" json:"protocol"`
	Name     string `yaml:"name" json:"name"`
	Country  string `yaml:"country" json:"country"`
	Link     string `yaml:"link" json:"link,omitempty"`
	Source   string `yaml:"source" json:"source,omitempty"`
	IsFree   bool   `yaml:"is_free" json:"is_free"`
	Region   string `yaml:"region" json:"region,omitempty"`
}

// NodeKey derives the catalog key for an endpoint.
func NodeKey(host string, port int) string {
	return strings.TrimSpace(host) + ":" + strconv.Itoa(port)
}

// Key returns the explicit ID, or host:port when none was supplied.
func (n Node) Key() string {
	if id := strings.TrimSpace(n.ID); id != "" {
		return id
	}
	return NodeKey(n.Host, n.Port)
}

// Address is the dialable host:port form (IPv6 hosts are bracketed).
func (n Node) Address() string {
	return net.JoinHostPort(strings.Trim(strings.TrimSpace(n.Host), "[]"), strconv.Itoa(n.Port))
}

// DisplayName falls back to host:port when the catalog has no name.
func (n Node) DisplayName() string {
	if name := strings.TrimSpace(n.Name); name != "" {
		return name
	}
	return NodeKey(n.Host, n.Port)
}

// ShareLink returns the stored link, or derives protocol://host:port#name.
func (n Node) ShareLink() string {
	if link := strings.TrimSpace(n.Link); link != "" {
		return link
	}
	protocol := strings.ToLower(strings.TrimSpace(n.Protocol))
	if protocol == "" || n.Host == "" || n.Port <= 0 {
		return ""
	}
	return protocol + "://" + n.Address() + "#" + url.PathEscape(n.DisplayName())
}

// HealthStatus is the hysteresis-smoothed state of a node.
type HealthStatus string

const (
	StatusUnknown HealthStatus = "unknown"
	StatusOnline  HealthStatus = "online"
	StatusSuspect HealthStatus = "suspect"
	StatusOffline HealthStatus = "offline"
)

// Valid reports whether s is one of the known states.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusSuspect, StatusOffline:
		return true
	}
	return false
}

// HealthRecord is the persisted health state of one node.
type HealthRecord struct {
	NodeID              string       `json:"node_id"`
	Status              HealthStatus `json:"status"`
	LastHealthCheck     time.Time    `json:"last_health_check"`
	HealthLatency       *int64       `json:"health_latency,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastScore           int          `json:"last_score"`
	LastError           string       `json:"last_error,omitempty"`
}

// NodeView joins a catalog node with its current health, as served to callers.
type NodeView struct {
	Node
	Status              HealthStatus `json:"status"`
	Score               int          `json:"score"`
	LastHealthCheck     *time.Time   `json:"last_health_check,omitempty"`
	HealthLatency       *int64       `json:"health_latency,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Alive               bool         `json:"alive"`
}

// Tier is the entitlement class of a caller.
type Tier int

const (
	TierUnprivileged Tier = iota
	TierPrivileged
)

func (t Tier) String() string {
	if t == TierPrivileged {
		return "privileged"
	}
	return "unprivileged"
}

// VisibilityQuery describes what a caller asked to see.
type VisibilityQuery struct {
	Tier     Tier
	Keyword  string
	Protocol string
	Country  string
}
