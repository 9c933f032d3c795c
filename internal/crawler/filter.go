package crawler

import (
	"net/url"
	"regexp"
	"strings"
)

// Filter tests URL admissibility against a configuration's base host and
// anchored include/exclude patterns. Exclude patterns short-circuit over
// includes; an empty include list admits everything on the base host.
type Filter struct {
	baseHost string
	includes []*regexp.Regexp
	excludes []*regexp.Regexp
}

// NewFilter compiles the configuration's patterns. Invalid regexes are a
// ValidationError so the job fails fast at start. Glob forms are not
// detected: one that is not a valid regex (such as "*.pdf") is rejected,
// one that is (such as "https://example.com/cases/*") compiles as a regex.
func NewFilter(cfg ScraperConfig) (*Filter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, Validationf("parse base url %q: %v", cfg.BaseURL, err)
	}
	if base.Hostname() == "" {
		return nil, Validationf("base url %q has no host", cfg.BaseURL)
	}

	includes, err := compileAnchored(cfg.IncludePatterns)
	if err != nil {
		return nil, Validationf("include pattern: %v", err)
	}
	excludes, err := compileAnchored(cfg.ExcludePatterns)
	if err != nil {
		return nil, Validationf("exclude pattern: %v", err)
	}

	return &Filter{
		baseHost: strings.ToLower(base.Hostname()),
		includes: includes,
		excludes: excludes,
	}, nil
}

func compileAnchored(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Admissible tests a normalized URL. The host must equal the base host or be
// a subdomain of it; then no exclude pattern may match and, unless the
// include list is empty, at least one include pattern must.
func (f *Filter) Admissible(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host != f.baseHost && !strings.HasSuffix(host, "."+f.baseHost) {
		return false
	}

	for _, re := range f.excludes {
		if re.MatchString(normalized) {
			return false
		}
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, re := range f.includes {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}
