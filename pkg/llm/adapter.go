// Package llm defines the contract the session actor needs from a language
// model provider, plus provider-independent helpers around it.
package llm

import "context"

// Message is one entry of the recent turn history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      any    `json:"parameters"`
}

// ToolCall is a tool invocation proposed by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// GenerateInput is the decision request for one turn.
type GenerateInput struct {
	System  string
	Context string
	History []Message
	Message string
	Tools   []ToolSpec
}

// Decision is either final text or one or more tool calls. Ack is an
// optional short status line the model wants shown while the tool runs.
type Decision struct {
	Text      string
	ToolCalls []ToolCall
	Ack       string
}

// IsToolCall reports whether the model asked for a tool.
func (d Decision) IsToolCall() bool { return len(d.ToolCalls) > 0 }

// RespondInput asks the model to turn a structured result into user text.
type RespondInput struct {
	ResultKind string
	Result     any
	History    []Message
	Hint       string
	Context    string
}

// SelectionKind names what a user reply is expected to choose.
type SelectionKind string

const (
	SelectAppointment  SelectionKind = "appointment"
	SelectSlot         SelectionKind = "slot"
	SelectConfirmation SelectionKind = "confirmation"
)

// Option is one selectable choice offered to the user.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Model is the language model adapter.
type Model interface {
	Name() string
	Generate(ctx context.Context, in GenerateInput) (Decision, error)
	Respond(ctx context.Context, in RespondInput) (string, error)
	// SelectOption maps a free-form reply onto one option id. It returns ""
	// when the reply matches nothing.
	SelectOption(ctx context.Context, text string, options []Option, kind SelectionKind) (string, error)
	Status(ctx context.Context, text, hint string) (string, error)
}

// Streamer is implemented by models that can stream Respond output.
// The channel is closed when the stream ends or ctx is done.
type Streamer interface {
	RespondStream(ctx context.Context, in RespondInput) (<-chan string, error)
}

// CanStream returns m as a Streamer when it streams. Models that implement
// Streamer but report Streams() == false are treated as non-streaming.
func CanStream(m Model) (Streamer, bool) {
	s, ok := m.(Streamer)
	if !ok {
		return nil, false
	}
	if sc, ok := m.(interface{ Streams() bool }); ok && !sc.Streams() {
		return nil, false
	}
	return s, true
}
