// Package probe measures reachability and latency of a single relay endpoint.
//
// A probe never fails past its own boundary: whatever goes wrong (refused
// connection, DNS failure, timeout, garbage on the wire) is folded into a
// models.ProbeOutcome with Success=false and LatencyMs=-1.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"relayscope/internal/models"
)

// DefaultTimeout is the per-probe budget when none is configured.
const DefaultTimeout = 2500 * time.Millisecond

// DefaultRegion labels outcomes whose node carries no region of its own.
const DefaultRegion = "Global"

// Failure descriptions reported in ProbeOutcome.Error.
const (
	ReasonTimeout      = "timeout"
	ReasonRefused      = "connection refused"
	ReasonDNS          = "dns failure"
	ReasonMalformed    = "malformed response"
	ReasonCancelled    = "cancelled"
	ReasonInvalidInput = "invalid endpoint"
)

// Strategy names accepted by New.
const (
	StrategyHTTP = "http"
	StrategyTCP  = "tcp"
)

// Prober performs one bounded-time measurement against a node.
type Prober interface {
	Probe(ctx context.Context, node models.Node) models.ProbeOutcome
}

// Config controls how probes are issued.
type Config struct {
	Strategy string
	Timeout  time.Duration
	Region   string
}

// New returns the prober for cfg.Strategy (http when empty).
func New(cfg Config) (Prober, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", StrategyHTTP:
		return NewHTTPProber(cfg.Timeout, cfg.Region), nil
	case StrategyTCP:
		return NewTCPProber(cfg.Timeout, cfg.Region), nil
	default:
		return nil, fmt.Errorf("unknown probe strategy %q", cfg.Strategy)
	}
}

// Describe normalises a transport error into one of the Reason* strings.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return ReasonTimeout
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ReasonMalformed
	}

	msg := err.Error()
	if strings.Contains(msg, "malformed HTTP") || strings.Contains(msg, "malformed MIME") {
		return ReasonMalformed
	}
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return "unreachable: " + msg
}

func validEndpoint(node models.Node) bool {
	return strings.TrimSpace(node.Host) != "" && node.Port > 0 && node.Port <= 65535
}

func regionOf(node models.Node, fallback string) string {
	if node.Region != "" {
		return node.Region
	}
	if fallback != "" {
		return fallback
	}
	return DefaultRegion
}

func budget(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
