// Package proxy fronts the dashboard backend with the gateway's resilience
// stack: circuit breaking, per-route rate limits, response caching and caller
// identity enrichment.
package proxy

import (
	"strings"
	"time"
)

// RoutePolicy describes how one route prefix is protected. The longest
// matching prefix wins.
type RoutePolicy struct {
	Prefix       string
	AuthRequired bool
	AdminOnly    bool
	Timeout      time.Duration
	CacheTTL     time.Duration
	RPS          float64
	Burst        int
}

// DefaultPolicies is the route table the gateway ships with. Reads tolerate a
// short cache window; mutating routes never cache and get tighter limits.
func DefaultPolicies() []RoutePolicy {
	return []RoutePolicy{
		{Prefix: "/api/auth/", Timeout: 10 * time.Second, RPS: 5, Burst: 10},
		{Prefix: "/api/reports/", AuthRequired: true, Timeout: 60 * time.Second, CacheTTL: 30 * time.Second, RPS: 10, Burst: 20},
		{Prefix: "/api/admin/", AuthRequired: true, AdminOnly: true, Timeout: 30 * time.Second, RPS: 10, Burst: 20},
		{Prefix: "/api/", AuthRequired: true, Timeout: 30 * time.Second, CacheTTL: 5 * time.Second, RPS: 30, Burst: 60},
		{Prefix: "/", Timeout: 30 * time.Second, RPS: 60, Burst: 120},
	}
}

type policyTable struct {
	policies []RoutePolicy
}

func newPolicyTable(policies []RoutePolicy) *policyTable {
	return &policyTable{policies: policies}
}

func (t *policyTable) match(path string) RoutePolicy {
	best := RoutePolicy{Prefix: "/", Timeout: 30 * time.Second}
	bestLen := -1
	for _, p := range t.policies {
		if strings.HasPrefix(path, p.Prefix) && len(p.Prefix) > bestLen {
			best = p
			bestLen = len(p.Prefix)
		}
	}
	return best
}
