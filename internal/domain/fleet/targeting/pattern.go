// Package targeting selects hosts from an inventory with a small expression
// language: "@all", "@group", "tag:name", globs, "~regex", "!exclude" and
// "&intersect", combined with commas or colons.
package targeting

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// PatternType indicates the type of pattern matching.
type PatternType string

const (
	// PatternTypeGlob uses glob/wildcard matching (*, ?).
	PatternTypeGlob PatternType = "glob"
	// PatternTypeRegex uses regular expression matching.
	PatternTypeRegex PatternType = "regex"
	// PatternTypeLiteral matches exact strings.
	PatternTypeLiteral PatternType = "literal"
)

// Pattern matches host IDs.
type Pattern struct {
	raw         string
	patternType PatternType
	regex       *regexp.Regexp
}

// NewPattern creates a pattern from a string.
// Patterns starting with ~ are regular expressions, patterns containing
// glob metacharacters are globs, anything else is matched literally.
func NewPattern(raw string) (*Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{raw: raw}

	switch {
	case strings.HasPrefix(raw, "~"):
		p.patternType = PatternTypeRegex
		regex, err := regexp.Compile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		p.regex = regex
	case strings.ContainsAny(raw, "*?["):
		p.patternType = PatternTypeGlob
		if _, err := filepath.Match(raw, "test"); err != nil {
			return nil, fmt.Errorf("invalid glob pattern: %w", err)
		}
	default:
		p.patternType = PatternTypeLiteral
	}

	return p, nil
}

// Raw returns the original pattern string.
func (p *Pattern) Raw() string {
	return p.raw
}

// Type returns the pattern type.
func (p *Pattern) Type() PatternType {
	return p.patternType
}

// Match checks if a string matches the pattern.
func (p *Pattern) Match(s string) bool {
	switch p.patternType {
	case PatternTypeRegex:
		return p.regex.MatchString(s)
	case PatternTypeGlob:
		matched, _ := filepath.Match(p.raw, s)
		return matched
	case PatternTypeLiteral:
		return p.raw == s
	default:
		return false
	}
}
