// Package command holds the closed table of commands a service answers.
//
// The table is built once from a fixed mapping and never changes afterwards. A name
// that is not in the table is an error for the caller, not a silent no-op.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"svcbus/message"
)

// ErrCommandNotFound is returned by Lookup for names outside the table.
var ErrCommandNotFound = errors.New("command: not found")

// Handler runs one command. It returns the ordered result, or an error. Returning a
// *message.ErrorResult keeps its Kind; any other error is reported as a handler failure.
type Handler func(ctx context.Context, req *message.RPCCallRequest) ([][]byte, error)

// Registry maps command names to handlers. It is read-only after NewRegistry.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry copies handlers into a new Registry. Empty names and nil handlers are rejected.
func NewRegistry(handlers map[string]Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for name, h := range handlers {
		if name == "" {
			return nil, errors.New("command: empty command name")
		}
		if h == nil {
			return nil, fmt.Errorf("command: nil handler for %q", name)
		}
		r.handlers[name] = h
	}
	return r, nil
}

// MustNewRegistry is like NewRegistry but panics on error.
func MustNewRegistry(handlers map[string]Handler) *Registry {
	r, err := NewRegistry(handlers)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the handler for name, or ErrCommandNotFound.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}
	return h, nil
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of commands.
func (r *Registry) Len() int {
	return len(r.handlers)
}
