package schemas

import (
	"net"
	"net/url"
	"strings"
)

// defaultPorts lists the ports that are implied by a scheme and dropped during normalization.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL renders a URL in the canonical form used for identity comparisons
// (sentinel detection, dedup keys, finding URIs). Scheme and host are lowercased,
// default ports and fragments are dropped, and an empty path becomes "/".
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	host := strings.ToLower(n.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if defaultPorts[n.Scheme] == port {
			host = h
			if strings.Contains(h, ":") {
				// IPv6 literal, keep the brackets.
				host = "[" + h + "]"
			}
		}
	}
	n.Host = host

	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

// ParseAndNormalize parses raw and returns its normalized form.
func ParseAndNormalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return NormalizeURL(u), nil
}

// Domain returns the lowercased hostname of u without a port.
func Domain(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
