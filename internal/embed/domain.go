package embed

import (
	"net"
	"strings"
)

// NormalizeDomain reduces a URL, origin or host to a bare lowercase hostname:
// scheme, path, port and a leading "www." are removed.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// DomainAllowed reports whether requestDomain satisfies restriction. An empty
// restriction allows everything; otherwise the request must be the restricted
// host or one of its subdomains.
func DomainAllowed(restriction, requestDomain string) bool {
	r := NormalizeDomain(restriction)
	if r == "" {
		return true
	}
	d := NormalizeDomain(requestDomain)
	if d == "" {
		return false
	}
	return d == r || strings.HasSuffix(d, "."+r)
}
