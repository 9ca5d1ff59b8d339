// Package ratelimit throttles the hub's write paths: registration floods and
// runaway heartbeat loops are the two ways a misbehaving component can
// saturate the hub, so those endpoints carry per-caller token buckets.
package ratelimit

import (
	"context"
	"errors"
	"strings"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
//
// Keys are opaque to the limiter; the HTTP layer builds them per endpoint
// class, e.g. "register:<remote-ip>" or "heartbeat:<component_id>". An error
// means the limiter itself broke; callers fail open rather than blocking
// traffic on limiter health.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// RuleLimiter dispatches each key to a rule-specific limiter by the key's
// "<rule>:" prefix. Rules without a configured limiter are allowed through,
// so one endpoint class can be throttled while another runs unlimited.
type RuleLimiter struct {
	rules map[string]Limiter
}

// NewRuleLimiter builds a dispatcher over the given rule → limiter map.
func NewRuleLimiter(rules map[string]Limiter) *RuleLimiter {
	return &RuleLimiter{rules: rules}
}

// Allow routes the key to the limiter registered for its rule prefix.
func (r *RuleLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rule, _, ok := strings.Cut(key, ":")
	if !ok {
		return true, nil
	}
	limiter, ok := r.rules[rule]
	if !ok {
		return true, nil
	}
	return limiter.Allow(ctx, key)
}

// Close closes every underlying limiter.
func (r *RuleLimiter) Close() error {
	var errs []error
	for _, l := range r.rules {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}
