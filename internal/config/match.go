package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher tests a request path.
type Matcher interface {
	Match(path string) bool
}

type pathMatcher struct{ Path string }

func (m pathMatcher) Match(path string) bool { return path == m.Path }

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(path string) bool { return m.re.MatchString(path) }

// MatchAny holds the compiled form of a match expression.
type MatchAny []Matcher

func (ms MatchAny) Match(path string) bool {
	for _, m := range ms {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// ParseMatch compiles expressions such as
//
//	Path(/api/jobs)|PathPrefix(/assets/)|Regexp(^/api/jobs/[^/]+/checklist$)
//
// An empty expression matches nothing.
func ParseMatch(expr string) (MatchAny, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	parts := splitTerms(expr)
	out := make(MatchAny, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open < 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Kind(...), got %q", p)
		}
		kind := p[:open]
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		switch kind {
		case "Path", "PathPrefix":
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid path %q", inside)
			}
			if kind == "Path" {
				out = append(out, pathMatcher{Path: inside})
			} else {
				out = append(out, pathPrefixMatcher{Prefix: inside})
			}
		case "Regexp":
			re, err := regexp.Compile(inside)
			if err != nil {
				return nil, fmt.Errorf("invalid regexp %q: %w", inside, err)
			}
			out = append(out, regexpMatcher{re: re})
		default:
			return nil, fmt.Errorf("only Path, PathPrefix and Regexp supported, got %q", kind)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTerms splits on '|' outside parentheses so regexps may use alternation.
func splitTerms(expr string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				out = append(out, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(out, expr[start:])
}
