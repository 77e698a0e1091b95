package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"relayscope/internal/common"
	"relayscope/internal/models"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

// HTTPResolver looks profiles up on a remote service:
//
//	GET {baseURL}/profiles/{id}  ->  {"vip_until": "2025-01-01T00:00:00Z"}
//
// A 404 is an ordinary user. Answers are cached for the configured TTL;
// failures are never cached.
type HTTPResolver struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	clock      clock.Clock
	cache      *expirable.LRU[string, Grant]
	logger     *zap.Logger
	maxElapsed time.Duration
}

type profileResponse struct {
	VIPUntil *time.Time `json:"vip_until"`
}

// NewHTTPResolver creates a cached remote resolver.
func NewHTTPResolver(baseURL, apiKey string, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *HTTPResolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPResolver{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 5 * time.Second},
		clock:      clk,
		cache:      expirable.NewLRU[string, Grant](defaultCacheSize, nil, ttl),
		logger:     logger.Named("entitlement"),
		maxElapsed: 5 * time.Second,
	}
}

// Tier implements Resolver.
func (h *HTTPResolver) Tier(ctx context.Context, userID string) (models.Tier, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.TierUnprivileged, nil
	}

	grant, ok := h.cache.Get(userID)
	if !ok {
		var err error
		grant, err = h.fetch(ctx, userID)
		if err != nil {
			return models.TierUnprivileged, common.UnavailableError("entitlement lookup", err)
		}
		h.cache.Add(userID, grant)
	}

	// an empty grant means "no profile"
	if grant.UserID == "" || !grant.Active(h.clock.Now()) {
		return models.TierUnprivileged, nil
	}
	return models.TierPrivileged, nil
}

func (h *HTTPResolver) fetch(ctx context.Context, userID string) (Grant, error) {
	endpoint := h.baseURL + "/profiles/" + url.PathEscape(userID)

	var grant Grant
	operation := func() error {
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

		switch {
		case resp.StatusCode == http.StatusNotFound:
			grant = Grant{}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("http %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("http %d", resp.StatusCode)
		}

		var profile profileResponse
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return backoff.Permanent(fmt.Errorf("decode profile: %w", err))
		}
		// profile without vip_until is an ordinary user
		if profile.VIPUntil == nil {
			grant = Grant{}
			return nil
		}
		grant = Grant{UserID: userID, Until: *profile.VIPUntil}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = h.maxElapsed
	err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), func(err error, wait time.Duration) {
		h.logger.Debug("profile lookup failed, retrying", zap.String("user", userID), zap.Duration("wait", wait), zap.Error(err))
	})
	return grant, err
}
