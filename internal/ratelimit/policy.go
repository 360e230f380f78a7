package ratelimit

import "time"

// DefaultResourceMultiplier scales an action's per-actor ceiling into the
// aggregate per-resource ceiling when a rule has no explicit
// MaxRequestsPerResource. Overridable with WithResourceMultiplier.
const DefaultResourceMultiplier = 10

// Rule is the static limit configuration for one action type.
type Rule struct {
	// Window is the sliding-window width.
	Window time.Duration

	// MaxRequests is the per-actor ceiling inside the window. Zero means
	// the action is always rejected.
	MaxRequests int

	// MaxRequestsPerResource, when positive, caps the aggregate request
	// count across all actors against one resource. When zero the limiter
	// falls back to MaxRequests times the configured resource multiplier.
	MaxRequestsPerResource int
}

// Policy maps action types to their rules. Immutable after construction;
// lookups for unknown actions silently fall back to Default.
type Policy struct {
	Rules   map[string]Rule
	Default Rule
}

// Resolve returns the rule for an action, falling back to the default.
func (p *Policy) Resolve(action string) Rule {
	if rule, ok := p.Rules[action]; ok {
		return rule
	}

	return p.Default
}

// DefaultPolicy returns the built-in policy table.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: map[string]Rule{
			"message_send": {Window: time.Minute, MaxRequests: 30},
			"space_join":   {Window: time.Hour, MaxRequests: 20},
			"signal":       {Window: time.Minute, MaxRequests: 120, MaxRequestsPerResource: 600},
			"manual_purge": {Window: time.Hour, MaxRequests: 5},
		},
		Default: Rule{Window: time.Minute, MaxRequests: 60},
	}
}
