package workflow

import (
	"encoding/json"
	"strings"
)

// echoFields are keys that mark a JSON payload as an echo of the request
// prompts appended to the model's prose.
var echoFields = []string{"prompt", "userPrompt", "systemPrompt", "user_prompt", "system_prompt"}

// textFields are tried in order when a result is a bare JSON object.
var textFields = []string{"text", "content", "result", "output", "response", "message"}

// ExtractText turns a raw generation result into the text substituted for a
// node's variable.
//
//   - prose followed by a JSON object carrying a prompt-echo field: the prose
//   - a JSON string: the string
//   - a JSON object: its first non-empty text field
//   - anything else: the raw result
func ExtractText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}

	if prose, ok := proseBeforeEcho(trimmed); ok {
		return prose
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		for _, key := range textFields {
			if s, ok := val[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return raw
}

func proseBeforeEcho(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var obj map[string]any
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&obj); err != nil {
			continue
		}
		if !hasEchoField(obj) {
			continue
		}
		prose := strings.TrimSpace(s[:i])
		prose = strings.TrimSpace(strings.TrimSuffix(prose, "```json"))
		prose = strings.TrimSpace(strings.TrimSuffix(prose, "```"))
		if prose == "" {
			return "", false
		}
		return prose, true
	}
	return "", false
}

func hasEchoField(obj map[string]any) bool {
	for _, key := range echoFields {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}
