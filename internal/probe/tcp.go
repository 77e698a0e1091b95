package probe

import (
	"context"
	"net"
	"time"

	"relayscope/internal/models"
)

// TCPProber only measures how long the TCP handshake takes. It suits relay
// protocols that never answer plain HTTP.
type TCPProber struct {
	dialer  *net.Dialer
	timeout time.Duration
	region  string
	now     func() time.Time
}

// NewTCPProber builds a connect-only prober.
func NewTCPProber(timeout time.Duration, region string) *TCPProber {
	timeout = budget(timeout)
	return &TCPProber{
		dialer:  &net.Dialer{Timeout: timeout},
		timeout: timeout,
		region:  region,
		now:     time.Now,
	}
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, node models.Node) models.ProbeOutcome {
	if !validEndpoint(node) {
		return models.FailedOutcome(withRegion(node, p.region), ReasonInvalidInput, p.now().UTC())
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := p.now()
	conn, err := p.dialer.DialContext(ctx, "tcp", node.Address())
	if err != nil {
		return models.FailedOutcome(withRegion(node, p.region), Describe(err), p.now().UTC())
	}
	end := p.now()
	_ = conn.Close()

	return models.ProbeOutcome{
		ID:        node.Key(),
		Host:      node.Host,
		Port:      node.Port,
		LatencyMs: elapsedMs(started, end),
		Success:   true,
		Region:    regionOf(node, p.region),
		CheckedAt: end.UTC(),
	}
}
