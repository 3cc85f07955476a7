package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSON = errors.New("no JSON object in response")

// DecodeJSON finds the first JSON object in a model response, tolerating
// code fences and surrounding prose, and decodes it into v.
func DecodeJSON(text string, v any) error {
	obj := FindJSONObject(text)
	if obj == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return nil
}

// FindJSONObject returns the first balanced JSON object in text, preferring
// the contents of a fenced code block.
func FindJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if fenced, ok := fencedBlock(text); ok {
		if obj := balancedObject(fenced); obj != "" {
			return obj
		}
	}
	return balancedObject(text)
}

func fencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open == -1 {
		return "", false
	}
	body := text[open+3:]
	// Drop an info string such as "json".
	if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

// balancedObject scans from the first '{' to its matching '}', skipping
// braces inside string literals.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
