package llm

import (
	"strings"
	"unicode"
)

// PruneHistory keeps the newest maxMessages non-system messages and then
// drops the oldest non-system messages until the estimated token count is
// within maxTokens. Zero limits disable the corresponding pass.
func PruneHistory(messages []Message, maxMessages, maxTokens int) []Message {
	out := append([]Message(nil), messages...)
	if maxMessages > 0 {
		out = pruneByCount(out, maxMessages)
	}
	if maxTokens > 0 {
		for EstimateTokens(out) > maxTokens {
			idx := firstNonSystem(out)
			if idx < 0 {
				break
			}
			out = append(out[:idx], out[idx+1:]...)
		}
	}
	return out
}

func pruneByCount(messages []Message, max int) []Message {
	nonSystem := 0
	for _, m := range messages {
		if !isSystem(m) {
			nonSystem++
		}
	}
	drop := nonSystem - max
	if drop <= 0 {
		return messages
	}
	out := make([]Message, 0, len(messages)-drop)
	for _, m := range messages {
		if drop > 0 && !isSystem(m) {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

func firstNonSystem(messages []Message) int {
	for i, m := range messages {
		if !isSystem(m) {
			return i
		}
	}
	return -1
}

func isSystem(m Message) bool {
	return strings.EqualFold(m.Role, "system")
}

// EstimateTokens approximates token usage by counting words.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(Words(m.Content))
	}
	return total
}

// Words splits text into lower-case alphanumeric tokens.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
