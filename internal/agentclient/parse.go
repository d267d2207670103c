package agentclient

import (
	"encoding/json"
	"strings"

	"github.com/quorumlabs/agentpipeline/internal/core"
)

// ParseJSON performs the three-step tolerant parse the spec requires of
// every agent response: (1) parse as-is, (2) strip ```json/``` fences and
// retry, (3) extract the substring from the first '{' to the last '}' and
// parse that. The result must be a JSON object, not an array or primitive.
func ParseJSON(raw string) (map[string]interface{}, error) {
	if obj, ok := tryParseObject(raw); ok {
		return obj, nil
	}

	stripped := stripFences(raw)
	if obj, ok := tryParseObject(stripped); ok {
		return obj, nil
	}

	if extracted, ok := extractBraces(stripped); ok {
		if obj, ok := tryParseObject(extracted); ok {
			return obj, nil
		}
	}

	return nil, core.ErrParse(raw)
}

func tryParseObject(s string) (map[string]interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func extractBraces(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
