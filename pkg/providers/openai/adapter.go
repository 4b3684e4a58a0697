// Package openai is an llm.Model backed by the OpenAI chat completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/resilience"
)

const scopeName = "github.com/harunnryd/concierge/pkg/providers/openai"

var tracer = otel.Tracer(scopeName)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

const respondPrompt = `You are a friendly phone concierge for a home services company.
Turn the JSON result you are given into one or two short spoken sentences.
Never read out ids, never use markdown, never invent facts that are not in the result.`

const selectPrompt = `Pick the option the caller chose. Reply with JSON {"id": "<option id>"}.
Use an empty id when the reply matches none of the options.`

const statusPrompt = `Write one short sentence telling the caller you are working on their request.
Do not promise an outcome.`

type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
	Stream  bool
}

type Option func(*Adapter)

func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.BaseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.Client = c }
}

// WithStreaming toggles streamed Respond output.
func WithStreaming(on bool) Option {
	return func(a *Adapter) { a.Stream = on }
}

func NewAdapter(apiKey, model string, opts ...Option) *Adapter {
	if model == "" {
		model = defaultModel
	}
	a := &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: defaultBaseURL,
		Client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
					return op + " " + r.URL.Path
				}),
			),
		},
		Stream: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Streams() bool { return a.Stream }

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolDef struct {
	Type     string       `json:"type"`
	Function llm.ToolSpec `json:"function"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Stream         bool           `json:"stream,omitempty"`
	Tools          []toolDef      `json:"tools,omitempty"`
	ToolChoice     string         `json:"tool_choice,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate asks the model for a reply or a tool call. Text returned next to
// a tool call becomes the acknowledgement.
func (a *Adapter) Generate(ctx context.Context, in llm.GenerateInput) (llm.Decision, error) {
	msgs := []chatMessage{{Role: "system", Content: joinNonEmpty(in.System, contextBlock(in.Context))}}
	msgs = append(msgs, history(in.History)...)
	msgs = append(msgs, chatMessage{Role: "user", Content: in.Message})

	req := chatRequest{Model: a.Model, Messages: msgs, Temperature: 0.2}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, toolDef{Type: "function", Function: t})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	resp, err := a.complete(ctx, "generate", req)
	if err != nil {
		return llm.Decision{}, err
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return llm.Decision{Text: strings.TrimSpace(msg.Content)}, nil
	}
	d := llm.Decision{Ack: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			// Unparseable arguments reach schema validation as an empty object.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		d.ToolCalls = append(d.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return d, nil
}

func (a *Adapter) Respond(ctx context.Context, in llm.RespondInput) (string, error) {
	req, err := a.respondRequest(in, false)
	if err != nil {
		return "", err
	}
	resp, err := a.complete(ctx, "respond", req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// RespondStream streams the reply as server-sent deltas.
func (a *Adapter) RespondStream(ctx context.Context, in llm.RespondInput) (<-chan string, error) {
	req, err := a.respondRequest(in, true)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "openai respond_stream")
	resp, err := a.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	out := make(chan string, 128)
	go func() {
		defer span.End()
		defer resp.Body.Close()
		defer close(out)
		chunks := 0
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				span.RecordError(err)
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case <-ctx.Done():
				span.SetAttributes(attribute.Bool("stream.canceled", true))
				return
			case out <- chunk.Choices[0].Delta.Content:
				chunks++
			}
		}
		span.SetAttributes(attribute.Int("stream.chunks", chunks))
	}()
	return out, nil
}

func (a *Adapter) SelectOption(ctx context.Context, text string, options []llm.Option, kind llm.SelectionKind) (string, error) {
	if kind == llm.SelectConfirmation && len(options) == 0 {
		options = []llm.Option{{ID: "yes", Label: "yes, go ahead"}, {ID: "no", Label: "no, keep it"}}
	}
	listing, err := json.Marshal(options)
	if err != nil {
		return "", err
	}
	req := chatRequest{
		Model: a.Model,
		Messages: []chatMessage{
			{Role: "system", Content: selectPrompt},
			{Role: "user", Content: fmt.Sprintf("Expected choice: %s\nOptions: %s\nCaller said: %q", kind, listing, text)},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	}
	resp, err := a.complete(ctx, "select_option", req)
	if err != nil {
		return "", err
	}
	var picked struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &picked); err != nil {
		return "", fmt.Errorf("openai select_option: %w", err)
	}
	for _, o := range options {
		if o.ID == picked.ID {
			return o.ID, nil
		}
	}
	return "", nil
}

func (a *Adapter) Status(ctx context.Context, text, hint string) (string, error) {
	user := "Caller said: " + text
	if hint != "" {
		user += "\nWhat you are doing: " + hint
	}
	req := chatRequest{
		Model:       a.Model,
		Messages:    []chatMessage{{Role: "system", Content: statusPrompt}, {Role: "user", Content: user}},
		Temperature: 0.4,
	}
	resp, err := a.complete(ctx, "status", req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (a *Adapter) respondRequest(in llm.RespondInput, stream bool) (chatRequest, error) {
	result, err := json.Marshal(in.Result)
	if err != nil {
		return chatRequest{}, fmt.Errorf("openai respond: %w", err)
	}
	msgs := []chatMessage{{Role: "system", Content: joinNonEmpty(respondPrompt, contextBlock(in.Context))}}
	msgs = append(msgs, history(in.History)...)
	user := fmt.Sprintf("Result (%s): %s", in.ResultKind, result)
	if in.Hint != "" {
		user += "\nGuidance: " + in.Hint
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: user})
	return chatRequest{Model: a.Model, Messages: msgs, Stream: stream, Temperature: 0.3}, nil
}

func (a *Adapter) complete(ctx context.Context, op string, req chatRequest) (chatResponse, error) {
	ctx, span := tracer.Start(ctx, "openai "+op)
	defer span.End()
	span.SetAttributes(attribute.String("model", a.Model), attribute.Int("request.tools", len(req.Tools)))

	resp, err := a.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return chatResponse{}, err
	}
	defer resp.Body.Close()
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = fmt.Errorf("openai %s: decode: %w", op, err)
		span.RecordError(err)
		return chatResponse{}, err
	}
	if len(out.Choices) == 0 {
		err := fmt.Errorf("openai %s: no choices", op)
		span.RecordError(err)
		return chatResponse{}, err
	}
	span.SetAttributes(attribute.String("response.finish_reason", out.Choices[0].FinishReason))
	return out, nil
}

// do sends req and returns the response only for a 2xx status. A 429 is
// reported as resilience.RateLimitError so callers can back off.
func (a *Adapter) do(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	resp, err := a.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitError{Provider: "openai", Message: string(msg)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func history(msgs []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		out = append(out, chatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func contextBlock(ctx string) string {
	if strings.TrimSpace(ctx) == "" {
		return ""
	}
	return "Conversation context:\n" + ctx
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
