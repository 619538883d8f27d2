package relay

import (
	"fmt"
	"regexp"
)

// DefaultNoticePatterns match the phrasings common relay implementations
// use when they reject a REQ.
var DefaultNoticePatterns = []string{
	`(?i)too many (concurrent )?(subscriptions|reqs|requests|filters)`,
	`(?i)max(imum)? (number of )?(subscriptions|filters)`,
	`(?i)rate[- ]?limit`,
	`(?i)slow down`,
	`(?i)(bad|invalid|malformed|unsupported) (req|filter|message|subscription)`,
	`(?i)(error parsing|could not parse|failed to parse|can't parse)`,
	`(?i)filter .*(too broad|too large|not allowed)`,
	`(?i)^(error|invalid|blocked|restricted|rate-limited):`,
}

// NoticeClassifier decides whether a NOTICE concerns pending requests.
type NoticeClassifier struct {
	patterns []*regexp.Regexp
}

// NewNoticeClassifier compiles patterns.
func NewNoticeClassifier(patterns []string) (*NoticeClassifier, error) {
	c := &NoticeClassifier{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("notice pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// DefaultNoticeClassifier uses DefaultNoticePatterns.
func DefaultNoticeClassifier() *NoticeClassifier {
	c, err := NewNoticeClassifier(DefaultNoticePatterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Relevant reports whether msg matches any pattern.
func (c *NoticeClassifier) Relevant(msg string) bool {
	if c == nil {
		return false
	}
	for _, re := range c.patterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}
