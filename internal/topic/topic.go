// Package topic validates Cauce topics/patterns and implements the Topic
// Index's match relation (spec.md §4.1).
package topic

import "strings"

const (
	minLength = 1
	maxLength = 255
)

func isSegmentChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// Validate checks a concrete topic (no wildcards) against spec.md §3.2.
func Validate(t string) error {
	return validate(t, false)
}

// ValidatePattern checks a topic pattern, permitting `*` and a trailing
// `**` segment.
func ValidatePattern(p string) error {
	return validate(p, true)
}

func validate(s string, allowWildcards bool) error {
	if len(s) < minLength || len(s) > maxLength {
		return errInvalidLength
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return errInvalidDots
	}
	segments := strings.Split(s, ".")
	for i, seg := range segments {
		if seg == "" {
			return errInvalidDots
		}
		if allowWildcards && seg == "*" {
			continue
		}
		if allowWildcards && seg == "**" {
			if i != len(segments)-1 {
				return errDoubleStarNotFinal
			}
			continue
		}
		for _, r := range seg {
			if !isSegmentChar(r) {
				return errInvalidSegment
			}
		}
	}
	return nil
}

// Match implements the Topic Index's match relation: split both the
// concrete topic and the pattern on `.`, walk segment by segment; `*`
// matches exactly one segment; `**` (only legal as the final pattern
// segment) matches one or more trailing segments and never zero.
func Match(pattern, t string) bool {
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(t, ".")

	pi, ti := 0, 0
	for pi < len(patternParts) {
		p := patternParts[pi]

		if p == "**" {
			// Must be the final pattern segment (enforced at validation
			// time too); matches one or more remaining topic segments.
			return ti < len(topicParts)
		}

		if ti >= len(topicParts) {
			return false
		}

		switch {
		case p == "*":
			pi++
			ti++
		case p == topicParts[ti]:
			pi++
			ti++
		default:
			return false
		}
	}

	return pi == len(patternParts) && ti == len(topicParts)
}
