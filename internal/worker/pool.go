package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

var (
	ErrTimeout        = errors.New("execution timed out")
	ErrUnknownHandler = errors.New("unknown handler")
)

// Handler is a task body. It should return once ctx is done.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Registry maps handler names used by tasks to task bodies.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Pool caps the number of concurrently running executions.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// TryGo runs fn on a free slot and reports false without blocking when none is free.
func (p *Pool) TryGo(fn func()) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.start(fn)
	return true
}

// Go waits for a free slot and runs fn on it.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.start(fn)
	return nil
}

func (p *Pool) start(fn func()) {
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Free reports whether a slot is currently available.
func (p *Pool) Free() bool { return len(p.sem) < cap(p.sem) }

func (p *Pool) InUse() int { return len(p.sem) }

// Wait blocks until every started fn has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Invoke runs h with a deadline. If h does not return by the deadline it is
// abandoned and ErrTimeout is returned. Panics are converted to errors.
func Invoke(ctx context.Context, h Handler, payload json.RawMessage, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
			}
		}()
		done <- h.Handle(ctx, payload)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}

// DetailedError is implemented by handler errors that carry structured
// context for the execution log.
type DetailedError interface {
	error
	Details() map[string]any
}

// ErrorDetails collects structured context for err.
func ErrorDetails(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var d DetailedError
	if errors.As(err, &d) {
		for k, v := range d.Details() {
			details[k] = v
		}
	}
	if errors.Is(err, ErrTimeout) {
		details["timeout"] = true
	}
	return details
}
