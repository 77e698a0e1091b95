package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"relayscope/internal/common"
	"relayscope/internal/models"
)

const (
	requestTimeout  = 10 * time.Second
	maxRetryElapsed = 15 * time.Second
)

// HTTPSource fetches the catalog from a remote JSON endpoint:
//
//	GET {baseURL}/nodes?source=overseas  ->  {"nodes": [...]}
type HTTPSource struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	logger     *zap.Logger
	maxElapsed time.Duration
}

// NewHTTPSource creates a remote catalog client.
func NewHTTPSource(baseURL, apiKey string, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPSource{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		client:     &http.Client{Transport: transport, Timeout: requestTimeout},
		logger:     logger.Named("catalog"),
		maxElapsed: maxRetryElapsed,
	}
}

type nodesResponse struct {
	Nodes []models.Node `json:"nodes"`
}

// Nodes implements Source. Transient failures are retried with exponential
// backoff; 4xx answers are not.
func (h *HTTPSource) Nodes(ctx context.Context, source string) ([]models.Node, error) {
	endpoint := h.baseURL + "/nodes"
	if source != "" {
		endpoint += "?source=" + url.QueryEscape(source)
	}

	var resp nodesResponse
	operation := func() error {
		return h.getJSON(ctx, endpoint, &resp)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = h.maxElapsed
	err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), func(err error, wait time.Duration) {
		h.logger.Warn("catalog fetch failed, retrying",
			zap.String("source", source),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, common.UnavailableError("catalog "+describeSource(source), err)
	}
	return normalise(resp.Nodes, source), nil
}

func (h *HTTPSource) getJSON(ctx context.Context, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return backoff.Permanent(fmt.Errorf("decode catalog: %w", err))
	}
	return nil
}
