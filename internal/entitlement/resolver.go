// Package entitlement decides which visibility tier a caller belongs to.
package entitlement

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"relayscope/internal/models"
)

// Resolver maps a caller identity to a tier. An empty userID is an anonymous
// caller and always resolves to the unprivileged tier. Failures to reach the
// backing store return an error wrapping common.ErrUpstreamUnavailable; callers
// must not guess a tier in that case.
type Resolver interface {
	Tier(ctx context.Context, userID string) (models.Tier, error)
}

// Grant is one privileged user and the instant the privilege lapses.
// A zero Until never lapses.
type Grant struct {
	UserID string    `yaml:"id" json:"id"`
	Until  time.Time `yaml:"vip_until" json:"vip_until"`
}

// Active reports whether the grant is in force at now.
func (g Grant) Active(now time.Time) bool {
	return g.Until.IsZero() || g.Until.After(now)
}

// StaticResolver serves grants from configuration.
type StaticResolver struct {
	clock  clock.Clock
	grants map[string]Grant
}

// NewStaticResolver indexes grants by user ID. A nil clock uses wall time.
func NewStaticResolver(grants []Grant, clk clock.Clock) *StaticResolver {
	if clk == nil {
		clk = clock.New()
	}
	index := make(map[string]Grant, len(grants))
	for _, g := range grants {
		id := strings.TrimSpace(g.UserID)
		if id == "" {
			continue
		}
		index[id] = g
	}
	return &StaticResolver{clock: clk, grants: index}
}

// Tier implements Resolver.
func (s *StaticResolver) Tier(_ context.Context, userID string) (models.Tier, error) {
	g, ok := s.grants[strings.TrimSpace(userID)]
	if !ok || !g.Active(s.clock.Now()) {
		return models.TierUnprivileged, nil
	}
	return models.TierPrivileged, nil
}

// Chain asks each resolver in turn and returns the first privileged answer.
// An error from any resolver is returned unless an earlier one already granted.
type Chain []Resolver

// Tier implements Resolver.
func (c Chain) Tier(ctx context.Context, userID string) (models.Tier, error) {
	if strings.TrimSpace(userID) == "" {
		return models.TierUnprivileged, nil
	}
	for _, r := range c {
		tier, err := r.Tier(ctx, userID)
		if err != nil {
			return models.TierUnprivileged, err
		}
		if tier == models.TierPrivileged {
			return tier, nil
		}
	}
	return models.TierUnprivileged, nil
}
