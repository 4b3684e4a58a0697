package narrator

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	fenceRe    = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")
	toolTagRe  = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)
	toolJSONRe = regexp.MustCompile(`(?s)\{[^{}]*"(?:name|tool|tool_call|function|arguments)"\s*:[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	answerRe   = regexp.MustCompile(`"(?:answer|response|text|message)"\s*:\s*"((?:[^"\\]|\\.)*)`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

var answerKeys = []string{"answer", "response", "text", "message", "content"}

// Sanitize turns model output into speakable text. JSON answers are
// unwrapped; tool-call fragments and code blocks are removed.
func Sanitize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if m := fenceRe.FindStringSubmatch(text); m != nil && strings.TrimSpace(fenceRe.ReplaceAllString(text, "")) == "" {
		text = strings.TrimSpace(m[1])
	}
	if looksStructured(text) {
		if ans, ok := extractAnswer(text); ok {
			return collapse(ans)
		}
		if m := answerRe.FindStringSubmatch(text); m != nil {
			return collapse(unescape(m[1]))
		}
	}
	return stripFragments(text)
}

// looksStructured reports whether text is building a JSON value or a code
// block rather than prose.
func looksStructured(text string) bool {
	t := strings.TrimLeft(text, " \t\r\n")
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") || strings.HasPrefix(t, "```")
}

func extractAnswer(text string) (string, bool) {
	var v any
	if err := json.Unmarshal([]byte(sliceJSON(text)), &v); err != nil {
		return "", false
	}
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return "", false
		}
		v = arr[0]
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	for _, k := range answerKeys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func sliceJSON(text string) string {
	open, close := "{", "}"
	if strings.HasPrefix(strings.TrimSpace(text), "[") {
		open, close = "[", "]"
	}
	start := strings.Index(text, open)
	end := strings.LastIndex(text, close)
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func stripFragments(text string) string {
	text = fenceRe.ReplaceAllString(text, " ")
	text = toolTagRe.ReplaceAllString(text, " ")
	text = toolJSONRe.ReplaceAllString(text, " ")
	if looksStructured(text) {
		return ""
	}
	return collapse(text)
}

func unescape(s string) string {
	if out, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return out
	}
	return s
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
