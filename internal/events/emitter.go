// Package events is a small synchronous publish/subscribe facility. Types
// that publish events hold an Emitter and expose its subscription methods;
// nothing embeds or extends it.
package events

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Name identifies an event.
type Name string

// ErrorEvent receives a *HandlerError whenever another handler panics.
const ErrorEvent Name = "error"

// Handler receives the payload passed to Emit.
type Handler func(payload any)

// Sink receives handler failures when nobody listens on ErrorEvent.
type Sink func(event Name, err error)

// HandlerError describes a handler that panicked during Emit.
type HandlerError struct {
	Event Name
	Panic any
	Stack []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for event %q panicked: %v", e.Event, e.Panic)
}

// ZapSink reports handler failures through a zap logger.
func ZapSink(logger *zap.Logger) Sink {
	return func(event Name, err error) {
		fields := []zap.Field{zap.String("event", string(event)), zap.Error(err)}
		var herr *HandlerError
		if errors.As(err, &herr) {
			fields = append(fields, zap.String("stack", string(herr.Stack)))
		}
		logger.Error("Event handler failed.", fields...)
	}
}

type entry struct {
	id    uint64
	fn    Handler
	once  bool
	fired atomic.Bool
}

// Listener is a registration returned by On and Once.
type Listener struct {
	emitter *Emitter
	name    Name
	id      uint64
}

// Off removes the registration. It reports whether it was still registered.
func (l Listener) Off() bool {
	if l.emitter == nil {
		return false
	}
	return l.emitter.Off(l)
}

// Emitter dispatches events synchronously to registered handlers in
// registration order. It is safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Name][]*entry
	nextID   uint64
	sink     Sink
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithSink sets where handler failures go when ErrorEvent has no listeners.
func WithSink(s Sink) Option {
	return func(e *Emitter) {
		if s != nil {
			e.sink = s
		}
	}
}

// New creates an Emitter. The default sink discards failures.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		handlers: make(map[Name][]*entry),
		sink:     func(Name, error) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) add(name Name, fn Handler, once bool) Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[name] = append(e.handlers[name], &entry{id: e.nextID, fn: fn, once: once})
	return Listener{emitter: e, name: name, id: e.nextID}
}

// On registers fn for name. Each call creates a distinct registration.
func (e *Emitter) On(name Name, fn Handler) Listener { return e.add(name, fn, false) }

// Once registers fn for a single delivery.
func (e *Emitter) Once(name Name, fn Handler) Listener { return e.add(name, fn, true) }

// Off removes a registration made by On or Once.
func (e *Emitter) Off(l Listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remove(l.name, l.id)
}

func (e *Emitter) remove(name Name, id uint64) bool {
	hs := e.handlers[name]
	for i, h := range hs {
		if h.id != id {
			continue
		}
		e.handlers[name] = append(hs[:i:i], hs[i+1:]...)
		if len(e.handlers[name]) == 0 {
			delete(e.handlers, name)
		}
		return true
	}
	return false
}

// RemoveAllListeners drops the handlers of the given events, or of every
// event when called without arguments.
func (e *Emitter) RemoveAllListeners(names ...Name) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(names) == 0 {
		e.handlers = make(map[Name][]*entry)
		return
	}
	for _, n := range names {
		delete(e.handlers, n)
	}
}

// ListenerCount returns the number of handlers registered for name.
func (e *Emitter) ListenerCount(name Name) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[name])
}

// Emit calls every handler registered for name with payload. A panicking
// handler does not stop the others and never escapes Emit.
func (e *Emitter) Emit(name Name, payload any) {
	e.mu.RLock()
	snapshot := make([]*entry, len(e.handlers[name]))
	copy(snapshot, e.handlers[name])
	e.mu.RUnlock()

	for _, h := range snapshot {
		if h.once {
			if !h.fired.CompareAndSwap(false, true) {
				continue
			}
			e.mu.Lock()
			e.remove(name, h.id)
			e.mu.Unlock()
		}
		if err := invoke(name, h.fn, payload); err != nil {
			e.report(name, err)
		}
	}
}

func invoke(name Name, fn Handler, payload any) (err *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Event: name, Panic: r, Stack: debug.Stack()}
		}
	}()
	fn(payload)
	return nil
}

func (e *Emitter) report(name Name, err *HandlerError) {
	if name != ErrorEvent && e.ListenerCount(ErrorEvent) > 0 {
		e.Emit(ErrorEvent, err)
		return
	}
	e.sink(name, err)
}

// Subscribe registers a handler that receives payloads of type T. A payload
// of any other type is reported as a handler failure.
func Subscribe[T any](e *Emitter, name Name, fn func(T)) Listener {
	return e.On(name, func(payload any) {
		if payload == nil {
			var zero T
			fn(zero)
			return
		}
		v, ok := payload.(T)
		if !ok {
			panic(fmt.Sprintf("event %q: unexpected payload type %T", name, payload))
		}
		fn(v)
	})
}
