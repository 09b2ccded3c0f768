package pubsub

import "path/filepath"

// MatchFunc decides whether a pattern subscription matches a published
// channel name (spec.md §4.H).
type MatchFunc func(pattern, channel string) bool

// DefaultMatch is the default glob matcher: channels are segmented on '.',
// a "*" segment matches exactly one segment (itself honoring filepath.Match
// glob syntax within that segment: '?' and '[...]' classes), and a "**"
// segment matches zero or more segments.
func DefaultMatch(pattern, channel string) bool {
	return matchSegments(splitChannel(pattern), splitChannel(channel))
}

func splitChannel(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func matchSegments(p, c []string) bool {
	if len(p) == 0 {
		return len(c) == 0
	}
	if p[0] == "**" {
		if matchSegments(p[1:], c) {
			return true
		}
		if len(c) == 0 {
			return false
		}
		return matchSegments(p, c[1:])
	}
	if len(c) == 0 {
		return false
	}
	ok, err := filepath.Match(p[0], c[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(p[1:], c[1:])
}
