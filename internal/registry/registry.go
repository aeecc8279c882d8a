// Package registry holds the named tool callables of the two execution surfaces
// and normalizes whatever a tool returns into a single Outcome shape.
//
// Hosts register precise-surface tools (typed CAD calls) in one Registry and
// resilient-surface tools (screen capture, detection, synthetic input) in
// another. The dispatcher only ever sees Outcome values.
package registry

import (
	"context"
	"fmt"
	"sort"
)

// Outcome is the normalized result of one tool invocation.
type Outcome struct {
	Success bool
	Output  any
	Err     string
}

// Succeeded builds a successful Outcome.
func Succeeded(output any) Outcome {
	return Outcome{Success: true, Output: output}
}

// Failed builds a failed Outcome.
func Failed(format string, args ...any) Outcome {
	return Outcome{Success: false, Err: fmt.Sprintf(format, args...)}
}

// Tool is a named capability on one execution surface.
type Tool interface {
	Invoke(ctx context.Context, params map[string]any) Outcome
}

// Registry maps operation names to tools. It is read-only once handed to a dispatcher.
type Registry map[string]Tool

// New returns an empty registry.
func New() Registry {
	return Registry{}
}

// Register adds or replaces a tool and returns the registry for chaining.
func (r Registry) Register(name string, tool Tool) Registry {
	r[name] = tool
	return r
}

// RegisterFunc adapts fn with Func and registers it.
func (r Registry) RegisterFunc(name string, fn func(ctx context.Context, params map[string]any) (any, error)) Registry {
	return r.Register(name, Func(fn))
}

// Lookup returns the tool registered under the exact name.
func (r Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r[name]
	return t, ok
}

// Has reports whether a tool is registered under the exact name.
func (r Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
