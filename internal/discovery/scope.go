// internal/discovery/scope.go
package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// BasicScopeManager defines the boundaries of the engagement: the target's
// registrable domain and, optionally, its subdomains.
type BasicScopeManager struct {
	// host is the target's own hostname, always in scope.
	host              string
	rootDomain        string
	includeSubdomains bool
}

// NewBasicScopeManager initializes a scope based on the initial target URL.
func NewBasicScopeManager(initialURL string, includeSubdomains bool) (*BasicScopeManager, error) {
	u, err := url.Parse(initialURL)
	if err != nil {
		return nil, err
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return nil, fmt.Errorf("initial URL must have a hostname: %s", initialURL)
	}

	// IP literals and single-label hosts (localhost, intranet names) have no
	// public suffix; they are their own scope.
	if net.ParseIP(hostname) != nil || !strings.Contains(hostname, ".") {
		return &BasicScopeManager{host: hostname, rootDomain: hostname}, nil
	}

	// use the Public Suffix List to extract the eTLD+1 (the organizational domain).
	domain, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		return nil, fmt.Errorf("could not determine effective TLD+1 for %s: %w", hostname, err)
	}

	return &BasicScopeManager{
		host:              hostname,
		rootDomain:        domain,
		includeSubdomains: includeSubdomains,
	}, nil
}

// IsInScope checks if the URL belongs to the target domain or its subdomains (if configured).
func (s *BasicScopeManager) IsInScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())

	if host == s.rootDomain || host == s.host {
		return true
	}

	// the leading dot prevents matching domains like "notourdomain.com"
	return s.includeSubdomains && strings.HasSuffix(host, "."+s.rootDomain)
}

// RootDomain returns the eTLD+1 defining the scope.
func (s *BasicScopeManager) RootDomain() string {
	return s.rootDomain
}

// MultiScopeManager is the union of the scopes of several targets.
type MultiScopeManager struct {
	scopes []*BasicScopeManager
}

// NewMultiScopeManager builds one scope per distinct target host.
func NewMultiScopeManager(targets []string, includeSubdomains bool) (*MultiScopeManager, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	m := &MultiScopeManager{}
	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		s, err := NewBasicScopeManager(target, includeSubdomains)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[s.host]; dup {
			continue
		}
		seen[s.host] = struct{}{}
		m.scopes = append(m.scopes, s)
	}
	return m, nil
}

// IsInScope reports whether u belongs to any of the targets.
func (m *MultiScopeManager) IsInScope(u *url.URL) bool {
	for _, s := range m.scopes {
		if s.IsInScope(u) {
			return true
		}
	}
	return false
}

// RootDomain lists the target domains, comma separated, in target order.
func (m *MultiScopeManager) RootDomain() string {
	domains := make([]string, 0, len(m.scopes))
	for _, s := range m.scopes {
		if !slices.Contains(domains, s.rootDomain) {
			domains = append(domains, s.rootDomain)
		}
	}
	return strings.Join(domains, ",")
}
