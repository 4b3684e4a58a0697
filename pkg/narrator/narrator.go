// Package narrator turns tool results into the text the caller hears,
// streaming tokens when the model can.
package narrator

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/tools"
	"github.com/harunnryd/concierge/pkg/turn"
)

var tracer = otel.Tracer("github.com/harunnryd/concierge/pkg/narrator")

const genericReply = "Sorry, something went wrong on my end. Could you say that again?"

// Emitter delivers tokens. It returns false when the token was dropped.
type Emitter interface {
	EmitToken(t *turn.Turn, text string) bool
}

// Request is what to narrate.
type Request struct {
	Result  tools.Result
	History []llm.Message
	Hint    string
	Context string
}

type Narrator struct {
	model llm.Model
	log   *slog.Logger
}

func New(model llm.Model, log *slog.Logger) *Narrator {
	return &Narrator{model: model, log: logging.NewComponentLogger(log, "narrator")}
}

// Narrate returns the final text for req. Tokens go to emit while the
// model streams; a nil emit disables streaming.
func (n *Narrator) Narrate(t *turn.Turn, req Request, emit Emitter) string {
	ctx, span := tracer.Start(t.Context(), "narrate")
	defer span.End()
	span.SetAttributes(attribute.String("result.kind", req.Result.Kind()))

	in := llm.RespondInput{
		ResultKind: req.Result.Kind(),
		Result:     req.Result,
		History:    req.History,
		Hint:       req.Hint,
		Context:    req.Context,
	}
	canned := req.Result.Message()

	if s, ok := llm.CanStream(n.model); ok && emit != nil {
		if text, ok := n.stream(ctx, t, s, in, emit); ok {
			span.SetAttributes(attribute.Bool("response.streamed", true))
			return text
		}
	}

	t.RecordModelCall("respond")
	raw, err := n.model.Respond(ctx, in)
	if err != nil {
		span.RecordError(err)
		n.log.Warn("respond_failed", "stream_id", t.StreamID, "kind", in.ResultKind, "error", errorsx.Wrap(err, errorsx.ReasonModelGenerate))
		return orDefault(canned)
	}
	if text := Sanitize(raw); text != "" {
		return text
	}
	return orDefault(canned)
}

// stream relays tokens as they arrive. Output that starts like JSON is
// held back and sanitized once the stream ends. It reports false when the
// stream produced nothing usable.
func (n *Narrator) stream(ctx context.Context, t *turn.Turn, s llm.Streamer, in llm.RespondInput, emit Emitter) (string, bool) {
	t.RecordModelCall("respond_stream")
	ch, err := s.RespondStream(ctx, in)
	if err != nil {
		n.log.Warn("respond_stream_failed", "stream_id", t.StreamID, "error", errorsx.Wrap(err, errorsx.ReasonModelStream))
		return "", false
	}

	var acc strings.Builder
	var pending strings.Builder
	held, relaying := false, false
	for chunk := range ch {
		acc.WriteString(chunk)
		switch {
		case held:
		case relaying:
			n.send(t, emit, chunk)
		default:
			pending.WriteString(chunk)
			prefix := strings.TrimSpace(acc.String())
			if prefix == "" {
				continue
			}
			if looksStructured(prefix) {
				held = true
				continue
			}
			relaying = true
			n.send(t, emit, strings.TrimLeft(pending.String(), " \t\r\n"))
		}
	}

	text := Sanitize(acc.String())
	if text == "" {
		return "", false
	}
	if held {
		n.log.Debug("structured_stream_sanitized", "stream_id", t.StreamID, "chars", acc.Len())
		for _, tok := range tokens(text) {
			n.send(t, emit, tok)
		}
	}
	return text, true
}

func (n *Narrator) send(t *turn.Turn, emit Emitter, text string) {
	if text == "" || t.Canceled() {
		return
	}
	emit.EmitToken(t, text)
}

func tokens(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}

func orDefault(text string) string {
	if strings.TrimSpace(text) == "" {
		return genericReply
	}
	return text
}
