// Package runner owns the process lifecycle of a concierge server: banner,
// start hooks, draining and stop.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the lifecycle. An OnStart error aborts Run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer finishes in-flight work before the process stops.
type Drainer interface {
	Drain(ctx context.Context) error
}

const EngineVersion = "dev"

// PrintBanner writes the startup banner followed by the ready fields in
// key order.
func PrintBanner(w io.Writer, fields map[string]any) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"CONCIERGE\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, fields[k])
	}
}
