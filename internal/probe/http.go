package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"relayscope/internal/models"
)

// HTTPProber sends a HEAD request to http://host:port/ and treats any
// well-formed HTTP response as proof of life, including 4xx and 405.
// Latency runs from issuing the request to the first response byte.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
	region  string
	now     func() time.Time
}

// NewHTTPProber builds a prober with a dedicated, non-pooling transport.
func NewHTTPProber(timeout time.Duration, region string) *HTTPProber {
	timeout = budget(timeout)
	transport := &http.Transport{
		// Relays must be probed directly, never through an environment proxy.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		ResponseHeaderTimeout: timeout,
	}
	return &HTTPProber{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		region:  region,
		now:     time.Now,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, node models.Node) models.ProbeOutcome {
	if !validEndpoint(node) {
		return models.FailedOutcome(withRegion(node, p.region), ReasonInvalidInput, p.now().UTC())
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var firstByte atomic.Int64
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte.CompareAndSwap(0, p.now().UnixNano())
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodHead, "http://"+node.Address()+"/", nil)
	if err != nil {
		return models.FailedOutcome(withRegion(node, p.region), ReasonInvalidInput, p.now().UTC())
	}
	req.Header.Set("User-Agent", "relayscope-probe/1")
	req.Close = true

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return models.FailedOutcome(withRegion(node, p.region), Describe(err), p.now().UTC())
	}
	_ = resp.Body.Close()

	end := p.now()
	if ts := firstByte.Load(); ts != 0 {
		end = time.Unix(0, ts)
	}

	return models.ProbeOutcome{
		ID:        node.Key(),
		Host:      node.Host,
		Port:      node.Port,
		LatencyMs: elapsedMs(start, end),
		Success:   true,
		Region:    regionOf(node, p.region),
		CheckedAt: end.UTC(),
	}
}

func withRegion(node models.Node, fallback string) models.Node {
	node.Region = regionOf(node, fallback)
	return node
}

func elapsedMs(start, end time.Time) int64 {
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
