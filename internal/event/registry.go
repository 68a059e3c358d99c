package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc reacts to a single event. The registry stores these by name so
// a worker can look one up from a broker message; the function itself never
// crosses a process boundary.
type HandlerFunc func(ctx context.Context, evt Event) error

// Registration describes one registered handler.
type Registration struct {
	EventType Type
	Name      string
	Handler   HandlerFunc
	Async     bool
}

// Registry maps event types to handlers. It is populated once at process
// start, frozen by Initialize, and read-only (and lock-free safe) afterwards.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	regs   []Registration
	byName map[string]Registration
	logger *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]Registration),
		logger: logger,
	}
}

// OnSync registers a handler that runs in the same request cycle as the
// emit call. Reserve these for invariants that must hold before the
// triggering operation returns, such as audit rows.
func (r *Registry) OnSync(eventType Type, name string, h HandlerFunc) error {
	return r.register(Registration{EventType: eventType, Name: name, Handler: h, Async: false})
}

// OnAsync registers a handler dispatched through the job queue. Use for
// notifications, analytics, and any side effect the caller must not wait on.
func (r *Registry) OnAsync(eventType Type, name string, h HandlerFunc) error {
	return r.register(Registration{EventType: eventType, Name: name, Handler: h, Async: true})
}

func (r *Registry) register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen: cannot register %q after Initialize", reg.Name)
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler %q is nil", reg.Name)
	}
	if _, exists := r.byName[reg.Name]; exists {
		return fmt.Errorf("handler name %q already registered", reg.Name)
	}

	r.regs = append(r.regs, reg)
	r.byName[reg.Name] = reg
	return nil
}

// Initialize freezes the registry. Every registration must happen before
// this call; both the API process and the worker process call it once at
// startup so queued handler names always resolve.
func (r *Registry) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return
	}
	r.frozen = true

	syncCount := 0
	types := make(map[Type]struct{})
	for _, reg := range r.regs {
		if !reg.Async {
			syncCount++
		}
		types[reg.EventType] = struct{}{}
	}
	r.logger.Info("event handlers registered",
		"total", len(r.regs),
		"sync", syncCount,
		"async", len(r.regs)-syncCount,
		"event_types", len(types))
}

// Resolve looks up a handler by its registered name.
func (r *Registry) Resolve(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// Match returns all registrations for an event type, in registration order.
func (r *Registry) Match(eventType Type) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, reg := range r.regs {
		if reg.EventType == eventType {
			out = append(out, reg)
		}
	}
	return out
}

// HandlerInfo is the introspection view of a registration.
type HandlerInfo struct {
	EventType Type   `json:"event_type"`
	Name      string `json:"handler_name"`
	Async     bool   `json:"async"`
}

// Handlers lists every registration without exposing the functions.
func (r *Registry) Handlers() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HandlerInfo, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, HandlerInfo{EventType: reg.EventType, Name: reg.Name, Async: reg.Async})
	}
	return out
}

// Typed adapts a statically typed handler into a HandlerFunc, decoding the
// event's raw payload into T. A payload that does not decode fails the
// handler invocation rather than delivering a zero value.
func Typed[T Payload](fn func(ctx context.Context, evt Event, payload T) error) HandlerFunc {
	return func(ctx context.Context, evt Event) error {
		var payload T
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		return fn(ctx, evt, payload)
	}
}
