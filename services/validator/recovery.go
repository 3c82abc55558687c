package validator

import (
	"encoding/json"
	"strings"
)

// JSONExtraction is the default recovery strategy: it scans unstructured
// output for the first balanced top-level JSON object and offers it for
// re-parsing. Models frequently wrap an otherwise valid payload in prose or
// markdown fences; this rescues those cases and nothing more.
type JSONExtraction struct{}

// NewJSONExtraction returns the default recovery strategy.
func NewJSONExtraction() *JSONExtraction {
	return &JSONExtraction{}
}

// Recover returns the first balanced JSON object embedded in raw, if one
// exists and parses. Brace counting ignores braces inside string literals.
func (JSONExtraction) Recover(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
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
				candidate := raw[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
