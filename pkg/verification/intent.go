package verification

import (
	"regexp"
	"strings"

	"github.com/harunnryd/concierge/pkg/llm"
)

// Intent is a request deferred until the caller is verified.
type Intent string

const (
	IntentNone         Intent = ""
	IntentAppointments Intent = "appointments"
	IntentCancel       Intent = "cancel"
	IntentReschedule   Intent = "reschedule"
	IntentSchedule     Intent = "schedule"
	IntentBilling      Intent = "billing"
	IntentEscalate     Intent = "escalate"
)

// Keywords match whole words by prefix, so "bill" covers "billing" but
// "owe" never fires inside "power". Phrases must appear as consecutive words.
// Order matters: the first matching intent wins.
var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentReschedule, []string{"reschedul", "move my appointment", "change my appointment"}},
	{IntentCancel, []string{"cancel"}},
	{IntentSchedule, []string{"schedule", "book", "new appointment", "set up a visit"}},
	{IntentAppointments, []string{"appointment", "upcoming", "visit"}},
	{IntentBilling, []string{"bill", "invoice", "payment", "balance", "owe"}},
	{IntentEscalate, []string{"human", "agent", "representative", "manager", "escalat", "complaint"}},
}

// InferIntent guesses which flow a message asks for.
func InferIntent(text string) Intent {
	words := llm.Words(text)
	if len(words) == 0 {
		return IntentNone
	}
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if containsPhrase(words, strings.Fields(kw)) {
				return ik.intent
			}
		}
	}
	return IntentNone
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		matched := true
		for j, p := range phrase {
			if !strings.HasPrefix(words[i+j], p) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

var zipRe = regexp.MustCompile(`(?:^|\D)(\d{5})(?:\D|$)`)

// ExtractZip returns the first run of exactly five digits in text.
func ExtractZip(text string) string {
	m := zipRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
