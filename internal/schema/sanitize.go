package schema

import (
	"strings"

	"github.com/tidwall/gjson"
)

// SanitizeJSONResponse extracts the JSON document from a model reply that
// wrapped it in code fences or prose. The input is returned trimmed when no
// well-formed object or array can be found.
func SanitizeJSONResponse(text string) string {
	s := strings.TrimSpace(text)
	s = stripFence(s)
	if gjson.Valid(s) {
		return s
	}
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		if candidate, ok := outermost(s, pair[0], pair[1]); ok {
			return candidate
		}
	}
	return s
}

func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	// Drop the language tag on the fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// outermost returns the widest open..close span that parses as JSON,
// shrinking from the right when trailing prose contains the close byte.
func outermost(s string, open, close byte) (string, bool) {
	first := strings.IndexByte(s, open)
	if first < 0 {
		return "", false
	}
	for end := strings.LastIndexByte(s, close); end > first; end = strings.LastIndexByte(s[:end], close) {
		candidate := s[first : end+1]
		if gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}
