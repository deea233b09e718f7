// Package llmout parses and validates the free-form text an LLM returns at
// the end of a loop run, extracting the embedded JSON payload and, for
// state-machine tasks, validating a STATE_OUTPUT block against a compiled
// JSON Schema.
package llmout

import (
	"encoding/json"
	"strings"
)

// Action is one dispatcher-bound instruction declared by the LLM.
type Action struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage is one message the LLM wants emitted onto the fabric.
type OutboundMessage struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Output is the parsed result of a loop's LLM response. Missing fields are
// left as zero values rather than treated as errors.
type Output struct {
	Actions       []Action          `json:"actions,omitempty"`
	Messages      []OutboundMessage `json:"messages,omitempty"`
	StateUpdates  map[string]string `json:"stateUpdates,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Raw           string            `json:"-"`
	FoundJSON     bool              `json:"-"`
}

// Parse extracts the first balanced JSON object found in responseText
// (optionally fenced in a ```json code block) and decodes it permissively:
// fields absent from the text are left empty rather than causing an error.
// A response with no JSON object at all is not an error; it is treated as
// "no effect" with FoundJSON false.
func Parse(responseText string) Output {
	jsonStr := extractJSON(responseText)
	out := Output{Raw: responseText}
	if jsonStr == "" {
		return out
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return out
	}
	out.FoundJSON = true
	return out
}

// extractJSON finds a JSON object or array in the response text, preferring
// a fenced ```json block, then a generic fenced block, then the first
// balanced brace/bracket run found anywhere in the text.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var closeCh byte
	switch open {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == closeCh {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}

// ExtractStateOutputBlock finds a fenced STATE_OUTPUT block of the form
// ```STATE_OUTPUT\n{...}\n``` and returns its raw JSON text, or "" if no
// such block is present.
func ExtractStateOutputBlock(text string) string {
	marker := "```STATE_OUTPUT"
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	if start < len(text) && text[start] == '\n' {
		start++
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}
