// Package network validates reported client network metadata against the
// administrator-configured allow-list of network policies.
package network

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Decision reasons.
const (
	ReasonNoPolicy       = "no network policy configured"
	ReasonNameMatched    = "network name matched policy"
	ReasonAddressMatched = "address within allowed range"
	ReasonBothMatched    = "network name and address matched policy"
	ReasonNotAllowed     = "network not on allow-list"
)

// Per-signal contribution to Decision.SecurityScore.
const (
	NameMatchWeight    = 0.4
	AddressMatchWeight = 0.4
)

// Policy validation errors.
var (
	ErrEmptyPolicy      = errors.New("policy must define a network name pattern or an address range")
	ErrInvalidRange     = errors.New("invalid address range")
	ErrNoActivePolicy   = errors.New(ReasonNoPolicy)
	ErrPolicyIDRequired = errors.New("policy id is required")
)

// Policy is one allowed network descriptor.
// A policy may carry a name pattern, an address range, or both.
type Policy struct {
	ID           string    `json:"id"`
	NamePattern  string    `json:"name_pattern,omitempty"`  // exact or wildcard (* and ?), case-insensitive
	AddressRange string    `json:"address_range,omitempty"` // CIDR; a bare address is treated as a single host
	Description  string    `json:"description,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks that the policy can be evaluated.
func (p Policy) Validate() error {
	if p.ID == "" {
		return ErrPolicyIDRequired
	}
	if strings.TrimSpace(p.NamePattern) == "" && strings.TrimSpace(p.AddressRange) == "" {
		return ErrEmptyPolicy
	}
	if p.AddressRange != "" {
		if _, err := parseRange(p.AddressRange); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidRange, p.AddressRange, err)
		}
	}
	return nil
}

// Report is the network metadata submitted with a verification attempt.
type Report struct {
	NetworkName string `json:"network_name"`
	Address     string `json:"address"`
}

// Decision is the outcome of checking a Report against the active policies.
type Decision struct {
	Allowed        bool    `json:"allowed"`
	NameMatched    bool    `json:"name_matched"`
	AddressMatched bool    `json:"address_matched"`
	SecurityScore  float64 `json:"security_score"`
	MatchedPolicy  *Policy `json:"matched_policy,omitempty"`
	Reason         string  `json:"reason"`
	// Unconfigured is set when no active policy existed at all.
	Unconfigured bool `json:"unconfigured,omitempty"`
}

// Requirements describes what a client must satisfy to pass the network check.
type Requirements struct {
	NetworkNames  []string `json:"network_names"`
	AddressRanges []string `json:"address_ranges"`
	Configured    bool     `json:"configured"`
}

// Summarize lists the name patterns and address ranges of the active policies.
func Summarize(policies []Policy) Requirements {
	req := Requirements{
		NetworkNames:  []string{},
		AddressRanges: []string{},
	}
	for _, p := range policies {
		if !p.Active {
			continue
		}
		req.Configured = true
		if p.NamePattern != "" {
			req.NetworkNames = append(req.NetworkNames, p.NamePattern)
		}
		if p.AddressRange != "" {
			req.AddressRanges = append(req.AddressRanges, p.AddressRange)
		}
	}
	return req
}

// parseRange accepts CIDR notation or a single address.
func parseRange(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
