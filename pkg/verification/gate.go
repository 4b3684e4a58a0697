// Package verification gates tool access behind identity confirmation by
// phone lookup plus a zip code, and remembers what the caller wanted so the
// request can resume once they are verified.
package verification

import (
	"context"
	"log/slog"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/redact"
)

// Input is what the gate needs about the current turn.
type Input struct {
	Text          string
	Phone         string
	State         conversation.State
	PendingIntent Intent
}

// Outcome is the gate decision.
type Outcome struct {
	State conversation.State
	// Passed is true when the caller is verified after this check.
	Passed bool
	// JustVerified is true when this message completed verification.
	JustVerified bool
	CustomerID   string
	// Reply is the text to show when the gate answers the turn itself.
	Reply string
	// Hint tells the narrator how to phrase a repeated request.
	Hint          string
	PendingIntent Intent
	ResumeIntent  Intent
}

// Gate enforces verification.
type Gate struct {
	adapter business.Adapter
	log     *slog.Logger
	obs     metrics.Observer
}

func NewGate(adapter business.Adapter, log *slog.Logger, obs metrics.Observer) *Gate {
	return &Gate{adapter: adapter, log: logging.NewComponentLogger(log, "verification"), obs: obs}
}

// Check runs the gate. Verified callers pass through untouched.
func (g *Gate) Check(ctx context.Context, in Input) Outcome {
	if in.State.Verification.Verified {
		return Outcome{State: in.State, Passed: true, CustomerID: in.State.CustomerID(), PendingIntent: in.PendingIntent}
	}

	pending := in.PendingIntent
	if inferred := InferIntent(in.Text); inferred != IntentNone {
		pending = inferred
	}

	matches, err := g.adapter.LookupCustomerByPhone(ctx, in.Phone)
	if err != nil {
		g.log.Warn("phone_lookup_failed", "phone", redact.Phone(in.Phone), "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
		matches = nil
	}

	zip := ExtractZip(in.Text)
	if zip == "" || len(matches) != 1 {
		g.record("requested")
		state := conversation.Apply(in.State, conversation.RequestVerification{Reason: conversation.ReasonMissing})
		return Outcome{State: state, Reply: askForZip(len(matches), zip != ""), PendingIntent: pending}
	}

	customerID, verr := g.verify(ctx, matches[0], zip)
	if verr != nil {
		g.record("adapter_error")
		return Outcome{
			State:         in.State,
			Reply:         "I'm having trouble checking that right now. Could you repeat your ZIP code in a moment?",
			PendingIntent: pending,
		}
	}
	if customerID == "" {
		g.record("invalid_zip")
		state := conversation.Apply(in.State, conversation.RequestVerification{Reason: conversation.ReasonInvalidZip})
		reply, hint := retryPrompt(state.Verification.ZipAttempts)
		return Outcome{State: state, Reply: reply, Hint: hint, PendingIntent: pending}
	}

	g.record("verified")
	g.log.Info("caller_verified", "customer_id", customerID, "resume_intent", string(pending))
	state := conversation.Apply(in.State, conversation.Verified{CustomerID: customerID})
	return Outcome{
		State:        state,
		Passed:       true,
		JustVerified: true,
		CustomerID:   customerID,
		Reply:        "Thanks, you're verified.",
		ResumeIntent: pending,
	}
}

// verify checks zip against the caller's account. It returns "" on a mismatch.
func (g *Gate) verify(ctx context.Context, match business.CustomerMatch, zip string) (string, error) {
	ok, err := g.adapter.VerifyAccount(ctx, match.ID, zip)
	if err != nil {
		g.log.Warn("verify_account_failed", "customer_id", match.ID, "error", errorsx.Wrap(err, errorsx.ReasonAdapterCall))
		return "", err
	}
	if !ok {
		return "", nil
	}
	return match.ID, nil
}

func (g *Gate) record(outcome string) {
	metrics.Record(g.obs, metrics.EventVerification, 1, map[string]string{"outcome": outcome}, nil)
}

func askForZip(matches int, hadZip bool) string {
	switch {
	case matches == 0 && hadZip:
		return "I couldn't find an account for the number you're calling from. Could you call from the phone number on your account, or ask me to connect you with our team?"
	case matches == 0:
		return "Before I can help with your account, I need to verify it. Could you tell me the ZIP code of your service address?"
	case matches > 1:
		return "More than one account uses this phone number, so I can't verify you by ZIP code alone. Would you like me to connect you with our team?"
	default:
		return "Before I can help with your account, please tell me the 5-digit ZIP code of your service address."
	}
}

func retryPrompt(attempts uint) (string, string) {
	switch {
	case attempts <= 1:
		return "That ZIP code doesn't match our records. Could you double-check and say it again?", "first_mismatch"
	case attempts == 2:
		return "That still doesn't match. Please say the 5-digit ZIP code of the address where we service your equipment.", "second_mismatch"
	default:
		return "I'm still unable to verify that ZIP code. You can try once more, or I can connect you with our team.", "repeated_mismatch"
	}
}
