// Package handler defines the application extension point (spec §4.D,
// §9) and a registry of named factories that configuration resolves by
// string instead of the source's dynamic "module:Class" loading.
package handler

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the capability set an application implements. Behavioral
// variation (echo, stock feed, jump-point navigator) lives entirely in
// Handler values, never in a type hierarchy (spec §9: composition over
// the source's deep Base→Character→Telnet→App inheritance).
type Handler interface {
	// OnConnect runs once, after the session reaches Running. Returned
	// lines are written to the client before the first prompt.
	OnConnect(ctx context.Context, info SessionInfo) ([]string, error)

	// OnLine runs for every line the dispatcher forwards (after the
	// quit/exit/q short-circuit). Lines are written to the client;
	// cont=false terminates the session after they're flushed.
	OnLine(ctx context.Context, line string) (lines []string, cont bool, err error)

	// OnDisconnect runs once the session is closing, best-effort.
	OnDisconnect(ctx context.Context)
}

// SessionInfo is the read-only session context exposed to a Handler.
type SessionInfo struct {
	ID            string
	RemoteAddress string
	Transport     string
}

// Factory constructs a fresh Handler instance for a single connection —
// spec §4.F: "each accepted session is handed a fresh handler instance
// from handlerFactory()".
type Factory func() Handler

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a named handler factory, populated at program start
// (spec §9: "a registry of handler factory constructors keyed by
// string"). Registering the same name twice is a programmer error and
// panics, matching the fail-fast style of an init-time registry.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("handler: factory %q already registered", name))
	}
	registry[name] = f
}

// Lookup resolves a configured handler_class identifier to its factory.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("handler: no factory registered for %q", name)
	}
	return f, nil
}
