package chat

import (
	"regexp"
	"strings"
)

// Content-related keywords in server error text. Errors that match none of
// these are treated as transport errors.
var (
	imagePattern      = regexp.MustCompile(`(?i)\b(image|photo|picture|file|upload|mime)\b`)
	validationPattern = regexp.MustCompile(`(?i)(invalid|validation|too (long|large|big)|empty|exceeds|format|required)`)
	permissionPattern = regexp.MustCompile(`(?i)(permission|forbidden|not allowed|blocked|not a participant)`)
	moderationPattern = regexp.MustCompile(`(?i)(inappropriate|prohibited|spam|banned word)`)
)

// errorCheck pairs a detection pattern with the kind reported for it.
type errorCheck struct {
	kind    string
	pattern *regexp.Regexp
}

// contentChecks is the ordered list applied by classifyError. The first
// match wins.
var contentChecks = []errorCheck{
	{kind: "image", pattern: imagePattern},
	{kind: "validation", pattern: validationPattern},
	{kind: "permission", pattern: permissionPattern},
	{kind: "moderation", pattern: moderationPattern},
}

// ContentError is a server rejection of a specific message. It is scoped to
// the message that produced it and never to the session.
type ContentError struct {
	Kind    string
	Message string
}

func (e *ContentError) Error() string {
	return e.Message
}

// classifyError inspects the server error text (and code, when present) and
// returns a ContentError for content rejections, or nil for transport
// errors.
func classifyError(code, message string) *ContentError {
	text := strings.TrimSpace(code + " " + message)
	for _, c := range contentChecks {
		if c.pattern.MatchString(text) {
			return &ContentError{Kind: c.kind, Message: message}
		}
	}
	return nil
}
