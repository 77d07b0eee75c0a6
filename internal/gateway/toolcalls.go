package gateway

import (
	"encoding/json"
	"regexp"

	"github.com/google/uuid"
)

// channelTag extracts tool calls from TRT-LLM upstreams that frame them in
// channel markers instead of bare JSON.
var channelTag = regexp.MustCompile(`(?s)<\|channel\|>commentary to=(\S+?)(?:\s+<\|constrain\|>json)?<\|message\|>(.*?)<\|call\|>`)

// extractToolCalls scans completion text for balanced JSON objects (nesting
// depth at most 2) carrying both "name" and "arguments" keys. When parallel
// is false only the first call is kept.
func extractToolCalls(text string, parallel bool) []ToolCall {
	var calls []ToolCall

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := balancedObject(text[i:])
		if !ok {
			continue
		}
		candidate := text[i : i+end]

		var probe struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(candidate), &probe); err == nil && probe.Name != "" && probe.Arguments != nil {
			calls = append(calls, ToolCall{
				ID:   "call_" + uuid.NewString()[:8],
				Type: "function",
				Function: ToolCallFunction{
					Name:      probe.Name,
					Arguments: string(probe.Arguments),
				},
			})
			if !parallel {
				return calls
			}
			i += end - 1
		}
	}
	return calls
}

// balancedObject returns the length of the balanced JSON object starting at
// s[0] == '{', rejecting objects nested deeper than two levels.
func balancedObject(s string) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			if depth > 2 {
				return 0, false
			}
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// extractChannelToolCalls handles the TRT-LLM channel-tag framing.
func extractChannelToolCalls(text string, parallel bool) []ToolCall {
	var calls []ToolCall
	for _, m := range channelTag.FindAllStringSubmatch(text, -1) {
		calls = append(calls, ToolCall{
			ID:   "call_" + uuid.NewString()[:8],
			Type: "function",
			Function: ToolCallFunction{
				Name:      m[1],
				Arguments: m[2],
			},
		})
		if !parallel {
			break
		}
	}
	return calls
}
