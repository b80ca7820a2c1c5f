package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/policy"
)

// CachedStore fronts a policy.Store with a constraint-set cache keyed per
// role and per user. A cache miss or decode failure falls through to the
// inner store; a cache write failure is logged and ignored, the decision
// path never fails on cache trouble.
type CachedStore struct {
	Inner policy.Store
	Cache Cache
	TTL   time.Duration
}

var cacheLogf = log.Printf

func NewCachedStore(inner policy.Store, cache Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Inner: inner, Cache: cache, TTL: ttl}
}

func roleCacheKey(roleName string) string { return "constraints:role:" + roleName }
func userCacheKey(userID string) string   { return "constraints:user:" + userID }

func (s *CachedStore) ListConstraintsForRole(ctx context.Context, roleName string) ([]models.Constraint, error) {
	return s.cached(ctx, roleCacheKey(roleName), func() ([]models.Constraint, error) {
		return s.Inner.ListConstraintsForRole(ctx, roleName)
	})
}

func (s *CachedStore) ListConstraintsForUser(ctx context.Context, userID string) ([]models.Constraint, error) {
	return s.cached(ctx, userCacheKey(userID), func() ([]models.Constraint, error) {
		return s.Inner.ListConstraintsForUser(ctx, userID)
	})
}

// GetConstraint is not cached: it serves only direct-grant lookups, which
// are rare next to role fan-out.
func (s *CachedStore) GetConstraint(ctx context.Context, constraintID string) (models.Constraint, error) {
	return s.Inner.GetConstraint(ctx, constraintID)
}

// InvalidateRole drops the cached constraint set for a role. Called on
// constraint writes and on membership-change events.
func (s *CachedStore) InvalidateRole(ctx context.Context, roleName string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Del(ctx, roleCacheKey(roleName)); err != nil {
		cacheLogf("cache invalidate role %s: %v", roleName, err)
	}
}

func (s *CachedStore) InvalidateUser(ctx context.Context, userID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Del(ctx, userCacheKey(userID)); err != nil {
		cacheLogf("cache invalidate user %s: %v", userID, err)
	}
}

func (s *CachedStore) cached(ctx context.Context, key string, load func() ([]models.Constraint, error)) ([]models.Constraint, error) {
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, key); err == nil && raw != "" {
			var out []models.Constraint
			if err := json.Unmarshal([]byte(raw), &out); err == nil {
				return out, nil
			}
			cacheLogf("cache decode %s: dropping stale entry", key)
			_ = s.Cache.Del(ctx, key)
		}
	}
	out, err := load()
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.Cache.Set(ctx, key, string(raw), s.TTL); err != nil {
				cacheLogf("cache set %s: %v", key, err)
			}
		}
	}
	return out, nil
}
