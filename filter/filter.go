package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// Rule identifies which flag a pattern came from.
type Rule string

const (
	IncludeHeader Rule = "include-header"
	IncludeBody   Rule = "include-body"
	ExcludeHeader Rule = "exclude-header"
	ExcludeBody   Rule = "exclude-body"
)

// Hit counts how many messages a pattern matched.
type Hit struct {
	Rule    Rule
	Pattern string
	Count   int
}

type pattern struct {
	rule Rule
	re   *regexp.Regexp
}

// Filter holds compiled regex patterns for filtering messages. It is safe
// for concurrent use.
type Filter struct {
	includeMode bool
	excludeMode bool
	header      []pattern
	body        []pattern

	mu   sync.Mutex
	hits map[*regexp.Regexp]int
	all  []pattern
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	f := &Filter{hits: make(map[*regexp.Regexp]int)}

	groups := []struct {
		rule     Rule
		patterns []string
		header   bool
	}{
		{IncludeHeader, opts.IncludeHeader, true},
		{IncludeBody, opts.IncludeBody, false},
		{ExcludeHeader, opts.ExcludeHeader, true},
		{ExcludeBody, opts.ExcludeBody, false},
	}
	for _, g := range groups {
		compiled, err := compilePatterns(g.patterns)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", g.rule, err)
		}
		for _, re := range compiled {
			p := pattern{rule: g.rule, re: re}
			f.all = append(f.all, p)
			if g.header {
				f.header = append(f.header, p)
			} else {
				f.body = append(f.body, p)
			}
			if g.rule == IncludeHeader || g.rule == IncludeBody {
				f.includeMode = true
			} else {
				f.excludeMode = true
			}
		}
	}

	if f.includeMode && f.excludeMode {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return f, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	if !f.includeMode && !f.excludeMode {
		return true
	}

	matched := f.match(f.header, header) || f.match(f.body, body)
	if f.includeMode {
		return matched
	}
	return !matched
}

// Hits returns the match count of every pattern in configuration order.
func (f *Filter) Hits() []Hit {
	f.mu.Lock()
	defer f.mu.Unlock()

	hits := make([]Hit, 0, len(f.all))
	for _, p := range f.all {
		hits = append(hits, Hit{Rule: p.rule, Pattern: p.re.String(), Count: f.hits[p.re]})
	}
	return hits
}

func (f *Filter) match(patterns []pattern, text []byte) bool {
	for _, p := range patterns {
		if p.re.Match(text) {
			f.mu.Lock()
			f.hits[p.re]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
