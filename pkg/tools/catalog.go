// Package tools is the tool-calling layer: a catalog of business actions
// with argument schemas and preconditions, and the orchestrator that turns
// a model decision into one validated, executed action.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/workflow"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrToolTimeout = errors.New("tool timeout")
)

// Precondition is a named requirement checked before a tool runs.
type Precondition string

const (
	PreVerified            Precondition = "verified"
	PreHasAppointments     Precondition = "has_appointments"
	PreHasAvailableSlots   Precondition = "has_available_slots"
	PrePendingCancellation Precondition = "pending_cancellation"
)

// Session is the part of the session state tools read.
type Session struct {
	State          conversation.State
	AvailableSlots []business.Slot
	Phone          string
	CallSessionID  string
}

func (s Session) satisfies(p Precondition) bool {
	switch p {
	case PreVerified:
		return s.State.Verification.Verified
	case PreHasAppointments:
		return len(s.State.Appointments) > 0
	case PreHasAvailableSlots:
		return len(s.AvailableSlots) > 0
	case PrePendingCancellation:
		return s.State.PendingCancellationID != nil
	}
	return false
}

// env is what a tool body may use.
type env struct {
	adapter business.Adapter
	session Session
	now     time.Time
}

// Tool is one catalog entry.
type Tool struct {
	Name          string
	Description   string
	Preconditions []Precondition
	// InjectCustomerID fills customer_id from the verified identity.
	InjectCustomerID bool
	// Workflow is set for tools that hand off to the workflow bridge.
	Workflow workflow.Kind

	schema  *jsonschema.Schema
	strict  *gojsonschema.Schema
	lenient *gojsonschema.Schema
	exec    func(ctx context.Context, e env, args map[string]any) (Result, error)
}

// Spec describes the tool to the model.
func (t *Tool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.schema}
}

// Schema returns the reflected argument schema.
func (t *Tool) Schema() *jsonschema.Schema { return t.schema }

// Validate checks args against the tool schema and returns the names of
// missing or invalid fields. A missing customer_id is tolerated on tools
// that inject it so the verified precondition reports it instead.
func (t *Tool) Validate(args map[string]any) ([]string, error) {
	schema := t.strict
	if _, ok := args[customerIDKey]; !ok && t.InjectCustomerID {
		schema = t.lenient
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, err
	}
	if res.Valid() {
		return nil, nil
	}
	seen := map[string]bool{}
	var fields []string
	for _, e := range res.Errors() {
		field := e.Field()
		if e.Type() == "required" {
			if p, ok := e.Details()["property"].(string); ok {
				field = p
			}
		}
		if field == "" || field == "(root)" || seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields, fmt.Errorf("invalid arguments for %s: %v", t.Name, fields)
}

const customerIDKey = "customer_id"

var reflector = jsonschema.Reflector{DoNotReference: true, AllowAdditionalProperties: true}

// define builds a tool whose arguments decode into A.
func define[A any](t Tool, run func(ctx context.Context, e env, args A) (Result, error)) *Tool {
	var zero A
	schema := reflector.Reflect(zero)
	schema.Version = ""
	schema.ID = ""
	t.schema = schema

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema of %s: %v", t.Name, err))
	}
	t.strict = mustCompile(t.Name, raw)
	t.lenient = mustCompile(t.Name, withoutRequired(raw, customerIDKey))

	t.exec = func(ctx context.Context, e env, args map[string]any) (Result, error) {
		var typed A
		if err := decodeArgs(args, &typed); err != nil {
			return nil, err
		}
		return run(ctx, e, typed)
	}
	return &t
}

func mustCompile(name string, raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("tools: compile schema of %s: %v", name, err))
	}
	return s
}

func withoutRequired(raw []byte, field string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	req, _ := doc["required"].([]any)
	kept := make([]any, 0, len(req))
	for _, r := range req {
		if r != field {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(doc, "required")
	} else {
		doc["required"] = kept
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

// Catalog is the set of tools offered to the model.
type Catalog struct {
	tools map[string]*Tool
	order []string
}

func NewCatalog(tools ...*Tool) *Catalog {
	c := &Catalog{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if _, dup := c.tools[t.Name]; !dup {
			c.order = append(c.order, t.Name)
		}
		c.tools[t.Name] = t
	}
	return c
}

func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (c *Catalog) Names() []string { return append([]string(nil), c.order...) }

// Specs returns the model-facing descriptions in registration order.
func (c *Catalog) Specs() []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name].Spec())
	}
	return out
}
