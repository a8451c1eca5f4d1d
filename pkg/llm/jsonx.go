package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseLenientJSON decodes model output into v, tolerating the usual LLM
// formatting noise. Strategy, in order:
//
//  1. strip Markdown code fences
//  2. locate the first balanced {...} substring via brace matching
//  3. json.Unmarshal; on failure run one repair pass and try again
//
// Non-object results and double failures surface as *ParseError. This is the
// single lenient parser used by every stage handler that consumes LLM output.
func ParseLenientJSON(raw string, v any) error {
	candidate, err := extractJSONObject(raw)
	if err != nil {
		return &ParseError{Raw: raw, Err: err}
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	repaired := repairJSON(candidate)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return &ParseError{Raw: raw, Err: err}
	}
	return nil
}

// extractJSONObject strips code fences and returns the first balanced
// brace-matched object substring.
func extractJSONObject(raw string) (string, error) {
	s := stripFences(strings.TrimSpace(raw))

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	// Unbalanced: return the tail and let the repair pass close it.
	return s[start:], nil
}

// stripFences removes a leading ```json / ``` fence pair when present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// repairJSON applies conservative fixes to almost-JSON: removes trailing
// commas, closes an unterminated string, and appends missing closers.
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	var stack []byte
	inString := false
	escaped := false
	lastNonSpace := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
			// Drop a trailing comma before a closer.
			if lastNonSpace == ',' {
				trimmed := strings.TrimRight(b.String(), " \t\n\r")
				b.Reset()
				b.WriteString(trimmed[:len(trimmed)-1])
			}
		}
		b.WriteByte(c)
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			lastNonSpace = c
		}
	}

	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
