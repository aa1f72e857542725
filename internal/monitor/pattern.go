package monitor

import (
	"fmt"
	"regexp"
)

// conversationPattern is the admission gate: only conversation API calls of
// the monitored host are ever inspected. Anchored at both ends so partial
// matches (longer paths, query strings, other hosts) are rejected.
const conversationPattern = `^https://%s/backend-api(?:/[^/]+)?/conversation(?:/[0-9a-f-]+)?$`

// Matcher decides whether a URL is a conversation-relevant call. It is pure
// and stateless after construction; safe for concurrent use.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher builds a matcher for the given host plus any extra anchored
// patterns. An invalid extra pattern fails construction rather than being
// silently dropped.
func NewMatcher(host string, extra []string) (*Matcher, error) {
	if host == "" {
		return nil, fmt.Errorf("admission host is required")
	}

	base, err := regexp.Compile(fmt.Sprintf(conversationPattern, regexp.QuoteMeta(host)))
	if err != nil {
		return nil, fmt.Errorf("failed to compile admission pattern: %w", err)
	}

	patterns := []*regexp.Regexp{base}
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid extra pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Matcher{patterns: patterns}, nil
}

// Matches reports whether the URL should be observed at all
func (m *Matcher) Matches(url string) bool {
	for _, re := range m.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
