package llm

var (
	yesWords = map[string]struct{}{
		"y": {}, "yes": {}, "yeah": {}, "yep": {}, "yup": {}, "sure": {}, "ok": {}, "okay": {},
		"confirm": {}, "confirmed": {}, "correct": {}, "proceed": {}, "absolutely": {}, "go": {},
	}
	noWords = map[string]struct{}{
		"n": {}, "no": {}, "nope": {}, "nah": {}, "dont": {}, "don": {}, "stop": {},
		"keep": {}, "never": {}, "wait": {},
	}
)

// ConfirmationIntent classifies a reply to a yes/no question by keyword.
// DTMF style "1" means yes and "2" means no. Neither flag is set when the
// reply is ambiguous.
func ConfirmationIntent(text string) (yes, no bool) {
	tokens := Words(text)
	for _, tok := range tokens {
		switch tok {
		case "1":
			return true, false
		case "2":
			return false, true
		}
	}
	for _, tok := range tokens {
		if _, ok := noWords[tok]; ok {
			return false, true
		}
		if _, ok := yesWords[tok]; ok {
			return true, false
		}
	}
	return false, false
}
