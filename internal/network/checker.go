package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// PolicySource supplies the currently active policies.
// Implementations are read at call time so administrator changes take
// effect without a restart.
type PolicySource interface {
	ListActive(ctx context.Context) ([]Policy, error)
}

// Check evaluates a report against the given policies.
// The report passes when its network name matches any active policy's name
// pattern or its address falls within any active policy's range. With no
// active policy the check fails closed.
func Check(report Report, policies []Policy) Decision {
	name := strings.ToLower(strings.TrimSpace(report.NetworkName))
	addr, addrOK := parseAddress(report.Address)

	var (
		best      *Policy
		bestName  bool
		bestAddr  bool
		bestScore float64
		active    int
	)

	for i := range policies {
		p := policies[i]
		if !p.Active {
			continue
		}
		active++

		pattern := strings.ToLower(strings.TrimSpace(p.NamePattern))
		nameMatch := name != "" && pattern != "" && matchPattern(pattern, name)
		addrMatch := false
		if addrOK && p.AddressRange != "" {
			if prefix, err := parseRange(p.AddressRange); err == nil {
				addrMatch = prefix.Contains(addr)
			}
		}
		if !nameMatch && !addrMatch {
			continue
		}

		score := securityScore(nameMatch, addrMatch)
		if best == nil || score > bestScore {
			matched := p
			best = &matched
			bestName = nameMatch
			bestAddr = addrMatch
			bestScore = score
		}
	}

	if active == 0 {
		return Decision{Reason: ReasonNoPolicy, Unconfigured: true}
	}
	if best == nil {
		return Decision{Reason: ReasonNotAllowed}
	}

	reason := ReasonNameMatched
	switch {
	case bestName && bestAddr:
		reason = ReasonBothMatched
	case bestAddr:
		reason = ReasonAddressMatched
	}

	return Decision{
		Allowed:        true,
		NameMatched:    bestName,
		AddressMatched: bestAddr,
		SecurityScore:  bestScore,
		MatchedPolicy:  best,
		Reason:         reason,
	}
}

// Checker loads the active policies from a PolicySource and checks reports
// against them.
type Checker struct {
	source PolicySource
}

// NewChecker creates a Checker backed by source.
func NewChecker(source PolicySource) *Checker {
	return &Checker{source: source}
}

// Check loads the active policies and evaluates report against them.
// An error is returned only when the policies cannot be loaded.
func (c *Checker) Check(ctx context.Context, report Report) (Decision, error) {
	policies, err := c.source.ListActive(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load network policies: %w", err)
	}
	return Check(report, policies), nil
}

// Requirements returns the active allow-list in client-presentable form.
func (c *Checker) Requirements(ctx context.Context) (Requirements, error) {
	policies, err := c.source.ListActive(ctx)
	if err != nil {
		return Requirements{}, fmt.Errorf("failed to load network policies: %w", err)
	}
	return Summarize(policies), nil
}

func securityScore(nameMatch, addrMatch bool) float64 {
	var score float64
	if nameMatch {
		score += NameMatchWeight
	}
	if addrMatch {
		score += AddressMatchWeight
	}
	if score > 1 {
		score = 1
	}
	return score
}

// parseAddress accepts a bare address or host:port and unmaps IPv4-in-IPv6.
func parseAddress(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	// Zones never match a configured range.
	addr, err := netip.ParseAddr(s)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// matchPattern reports whether name matches pattern, where '*' matches any
// run of characters and '?' matches exactly one. Both inputs must already be
// lower-cased.
func matchPattern(pattern, name string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == name
	}

	p := []rune(pattern)
	n := []rune(name)
	pi, ni := 0, 0
	star, mark := -1, 0

	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = ni
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ni = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
