// Package moderation blocks contact details in consultation messages.
package moderation

import (
	"regexp"
	"strings"
)

// Rule names a restricted pattern.
type Rule string

const (
	RulePhone  Rule = "phone"
	RuleEmail  Rule = "email"
	RuleSocial Rule = "social"
	RuleLink   Rule = "link"
)

var (
	// Ten digits written whole, as 5+5 or as 3+3+4, not embedded in a longer digit run.
	phonePattern  = regexp.MustCompile(`(?:^|\D)(?:\+\d{1,3}[\s.-]?|0)?(?:\d{10}|\d{5}[\s.-]\d{5}|\d{3}[\s.-]\d{3}[\s.-]\d{4})(?:\D|$)`)
	emailPattern  = regexp.MustCompile(`(?i)[a-z0-9._%+-]+\s*(?:@|\(at\)|\[at\])\s*[a-z0-9.-]+\.[a-z]{2,}`)
	linkPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	socialPattern = regexp.MustCompile(`(?i)\b(?:whats\s*app|wa\.me|telegram|t\.me|instagram|insta|facebook|fb\.com|snapchat|snap\s*chat|signal|skype|twitter|tiktok|linkedin|discord)\b`)
)

// DefaultMediaPrefixes are the upload locations the chat client produces.
var DefaultMediaPrefixes = []string{
	"https://media.consult.app/uploads/",
}

// Verdict explains a filter decision.
type Verdict struct {
	Restricted bool
	Rule       Rule
}

// Filter decides whether a message body leaks contact details.
type Filter struct {
	mediaPrefixes []string
}

// NewFilter builds a filter that lets bodies starting with any of mediaPrefixes through.
func NewFilter(mediaPrefixes []string) *Filter {
	prefixes := make([]string, 0, len(mediaPrefixes))
	for _, prefix := range mediaPrefixes {
		trimmed := strings.ToLower(strings.TrimSpace(prefix))
		if trimmed != "" {
			prefixes = append(prefixes, trimmed)
		}
	}
	return &Filter{mediaPrefixes: prefixes}
}

// IsRestricted reports whether text must be blocked.
func (filter *Filter) IsRestricted(text string) bool {
	return filter.Check(text).Restricted
}

// Check classifies text.
func (filter *Filter) Check(text string) Verdict {
	body := strings.TrimSpace(text)
	if body == "" || filter.IsMediaURL(body) {
		return Verdict{}
	}
	switch {
	case emailPattern.MatchString(body):
		return Verdict{Restricted: true, Rule: RuleEmail}
	case phonePattern.MatchString(body):
		return Verdict{Restricted: true, Rule: RulePhone}
	case socialPattern.MatchString(body):
		return Verdict{Restricted: true, Rule: RuleSocial}
	case linkPattern.MatchString(body):
		return Verdict{Restricted: true, Rule: RuleLink}
	}
	return Verdict{}
}

// IsMediaURL reports whether body is a single upload URL under a known prefix.
func (filter *Filter) IsMediaURL(body string) bool {
	candidate := strings.TrimSpace(body)
	if strings.ContainsAny(candidate, " \t\r\n") {
		return false
	}
	lowered := strings.ToLower(candidate)
	for _, prefix := range filter.mediaPrefixes {
		if strings.HasPrefix(lowered, prefix) && len(lowered) > len(prefix) {
			return true
		}
	}
	return false
}
