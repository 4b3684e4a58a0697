package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/concierge/pkg/llm"
)

// ModelConfig scripts the mock model. Queued decisions are returned first;
// after that Generate routes by keyword.
type ModelConfig struct {
	Decisions    []llm.Decision
	ResponseText string
	StreamChunks []string
	Stream       bool
	Errors       map[string]error
}

// Model is a deterministic llm.Model for demos and tests.
type Model struct {
	mu    sync.Mutex
	cfg   ModelConfig
	calls map[string]int
	last  map[string]any
}

func NewModel(cfg ModelConfig) *Model {
	return &Model{cfg: cfg, calls: map[string]int{}, last: map[string]any{}}
}

func (m *Model) Name() string { return "mock_model" }

// Calls returns how often op was invoked.
func (m *Model) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// LastInput returns the most recent input passed to op.
func (m *Model) LastInput(op string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[op]
}

func (m *Model) enter(op string, in any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	m.last[op] = in
	return m.cfg.Errors[op]
}

var keywordTools = []struct {
	keywords []string
	tool     string
}{
	{[]string{"reschedul", "move my", "different day"}, "reschedule_appointment"},
	{[]string{"cancel"}, "cancel_appointment"},
	{[]string{"slot", "availab", "opening"}, "get_available_slots"},
	{[]string{"book", "schedule a", "new appointment"}, "create_appointment"},
	{[]string{"appointment", "upcoming", "visit"}, "list_appointments"},
	{[]string{"bill", "invoice", "owe", "balance"}, "get_open_invoices"},
	{[]string{"policy", "warranty"}, "get_service_policy"},
	{[]string{"human", "agent", "manager", "escalat", "complain"}, "escalate"},
}

func (m *Model) Generate(ctx context.Context, in llm.GenerateInput) (llm.Decision, error) {
	if err := m.enter("generate", in); err != nil {
		return llm.Decision{}, err
	}
	m.mu.Lock()
	if len(m.cfg.Decisions) > 0 {
		d := m.cfg.Decisions[0]
		m.cfg.Decisions = m.cfg.Decisions[1:]
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	text := strings.ToLower(in.Message)
	for _, kt := range keywordTools {
		for _, kw := range kt.keywords {
			if strings.Contains(text, kw) {
				args := map[string]any{}
				if kt.tool == "get_service_policy" {
					args["topic"] = policyTopic(text)
				}
				if kt.tool == "escalate" {
					args["reason"] = in.Message
				}
				return llm.Decision{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: kt.tool, Arguments: args}}}, nil
			}
		}
	}
	return llm.Decision{Text: "I can help with appointments, billing questions, or connecting you to our team. What do you need?"}, nil
}

func policyTopic(text string) string {
	if strings.Contains(text, "warranty") {
		return "warranty"
	}
	return "cancellation"
}

func (m *Model) Respond(ctx context.Context, in llm.RespondInput) (string, error) {
	if err := m.enter("respond", in); err != nil {
		return "", err
	}
	if m.cfg.ResponseText != "" {
		return m.cfg.ResponseText, nil
	}
	return describe(in), nil
}

// RespondStream yields the configured chunks, or Respond output word by word.
func (m *Model) RespondStream(ctx context.Context, in llm.RespondInput) (<-chan string, error) {
	if err := m.enter("respond_stream", in); err != nil {
		return nil, err
	}
	chunks := m.cfg.StreamChunks
	if len(chunks) == 0 {
		text := m.cfg.ResponseText
		if text == "" {
			text = describe(in)
		}
		for i, w := range strings.Fields(text) {
			if i > 0 {
				w = " " + w
			}
			chunks = append(chunks, w)
		}
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}

// Streams reports whether streaming is enabled for this mock.
func (m *Model) Streams() bool { return m.cfg.Stream }

var ordinals = map[string]int{"first": 1, "second": 2, "third": 3, "one": 1, "two": 2, "three": 3, "last": -1}

func (m *Model) SelectOption(ctx context.Context, text string, options []llm.Option, kind llm.SelectionKind) (string, error) {
	if err := m.enter("select_option", text); err != nil {
		return "", err
	}
	if kind == llm.SelectConfirmation {
		yes, no := llm.ConfirmationIntent(text)
		switch {
		case yes:
			return "yes", nil
		case no:
			return "no", nil
		}
		return "", nil
	}
	lower := strings.ToLower(text)
	for _, o := range options {
		if strings.Contains(lower, strings.ToLower(o.ID)) {
			return o.ID, nil
		}
	}
	for _, w := range llm.Words(lower) {
		idx, ok := ordinals[w]
		if !ok {
			if n, err := strconv.Atoi(w); err == nil && n >= 1 && n <= len(options) {
				idx, ok = n, true
			}
		}
		if !ok {
			continue
		}
		if idx == -1 {
			idx = len(options)
		}
		if idx >= 1 && idx <= len(options) {
			return options[idx-1].ID, nil
		}
	}
	for _, o := range options {
		for _, w := range llm.Words(o.Label) {
			if len(w) > 3 && strings.Contains(lower, w) {
				return o.ID, nil
			}
		}
	}
	return "", nil
}

func (m *Model) Status(ctx context.Context, text, hint string) (string, error) {
	if err := m.enter("status", text); err != nil {
		return "", err
	}
	if hint != "" {
		return hint, nil
	}
	return "One moment while I check that for you.", nil
}

// describe renders a structured result into plain sentences.
func describe(in llm.RespondInput) string {
	raw, err := json.Marshal(in.Result)
	if err != nil {
		return "Done."
	}
	var r map[string]any
	if json.Unmarshal(raw, &r) != nil {
		return "Done."
	}
	if msg, ok := r["message"].(string); ok && msg != "" {
		return msg
	}
	var parts []string
	if list, ok := r["appointments"].([]any); ok {
		if len(list) == 0 {
			parts = append(parts, "You have no upcoming appointments.")
		} else {
			parts = append(parts, fmt.Sprintf("You have %d upcoming appointment(s): %s.", len(list), joinItems(list, "service", "date", "window")))
		}
	}
	if obj, ok := r["appointment"].(map[string]any); ok {
		parts = append(parts, "Your "+joinItems([]any{obj}, "service")+" is on "+joinItems([]any{obj}, "date", "window")+".")
	}
	if list, ok := r["slots"].([]any); ok {
		parts = append(parts, fmt.Sprintf("Open slots: %s.", joinItems(list, "date", "window")))
	}
	if list, ok := r["invoices"].([]any); ok {
		if len(list) == 0 {
			parts = append(parts, "You have no open invoices.")
		} else {
			parts = append(parts, fmt.Sprintf("You have %d open invoice(s).", len(list)))
		}
	}
	if p, ok := r["policy"].(string); ok {
		parts = append(parts, p)
	}
	if id, ok := r["ticketId"].(string); ok && id != "" {
		parts = append(parts, "I opened ticket "+id+" and a team member will follow up.")
	}
	if id, ok := r["appointmentId"].(string); ok && id != "" {
		parts = append(parts, "Your appointment "+id+" is booked.")
	}
	if len(parts) == 0 {
		return "Done."
	}
	return strings.Join(parts, " ")
}

func joinItems(list []any, keys ...string) string {
	items := make([]string, 0, len(list))
	for _, it := range list {
		obj, _ := it.(map[string]any)
		var fields []string
		for _, k := range keys {
			if v, ok := obj[k].(string); ok && v != "" {
				fields = append(fields, v)
			}
		}
		items = append(items, strings.Join(fields, " "))
	}
	return strings.Join(items, "; ")
}
