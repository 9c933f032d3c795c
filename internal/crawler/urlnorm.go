package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL canonicalizes a URL so the frontier and the page repository
// see one spelling per resource: lowercased scheme and host, default ports
// dropped, dot segments resolved, repeated slashes collapsed, fragment
// removed, query parameters sorted by key (multi-values keep their order),
// and the trailing slash dropped except on the root path. The path is fully
// percent-decoded and re-escaped by net/url, so an escaped reserved
// character that net/url leaves bare in paths (%2F, %3A, ...) comes out as
// the literal character; query values are re-encoded in upper hex.
// Normalization is idempotent.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", Validationf("parse url %q: %v", raw, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", Validationf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", Validationf("url %q has no host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	// Work on the decoded path; URL.String re-encodes it canonically once
	// RawPath is cleared.
	p := u.Path
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u.Path = p
	u.RawPath = ""

	if u.RawQuery != "" {
		q, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return "", Validationf("parse query of %q: %v", raw, err)
		}
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// HostOf returns the lowercased hostname (without port) of a URL.
func HostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return strings.ToLower(u.Hostname()), nil
}
