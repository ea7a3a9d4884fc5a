package search

import (
	"net/url"
	"strings"
)

// isDomainBlocked reports whether a result URL's host is excluded by a
// DomainPolicy: Denylist takes precedence over Allowlist, and an Allowlist
// that is non-empty makes every host not on it implicitly blocked.
func isDomainBlocked(rawURL string, allow []string, deny []string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false, nil
	}
	for _, d := range deny {
		if matchesHost(host, d) {
			return true, nil
		}
	}
	if len(allow) == 0 {
		return false, nil
	}
	for _, a := range allow {
		if matchesHost(host, a) {
			return false, nil
		}
	}
	return true, nil
}

// matchesHost reports whether host equals pattern or is a subdomain of it.
func matchesHost(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
