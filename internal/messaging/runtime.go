// Package messaging is the runtime the dashboard bridge, the orchestrator and the page
// drivers talk through. They share no memory: a sender holds a Port, the orchestrator
// installs a Handler, and requests are handled strictly one at a time. Pushes from the
// orchestrator to a tab go through per-tab subscriptions.
//
// A runtime can be reloaded. Ports bound to an earlier generation then fail with
// ErrContextInvalidated, which is how a stale dashboard page learns it must refresh.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
)

var (
	// ErrContextInvalidated means the runtime a Port was bound to is gone or was reloaded.
	ErrContextInvalidated = errors.New("extension context invalidated")
	// ErrNoListener is returned by Notify when no subscriber is registered for the tab.
	ErrNoListener = errors.New("no listener for tab")
)

// Handler processes one request and produces its response.
type Handler interface {
	Handle(ctx context.Context, msg schemas.Message) schemas.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg schemas.Message) schemas.Response

func (f HandlerFunc) Handle(ctx context.Context, msg schemas.Message) schemas.Response {
	return f(ctx, msg)
}

type envelope struct {
	ctx   context.Context
	msg   schemas.Message
	reply chan schemas.Response
}

// Runtime serializes requests into a single handler goroutine.
type Runtime struct {
	logger  *zap.Logger
	handler Handler
	inbox   chan envelope

	mu          sync.RWMutex
	generation  string
	subscribers map[schemas.TabID][]chan schemas.Message
	bufferSize  int

	loopWg    sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a runtime that dispatches to handler. bufferSize bounds both the
// request inbox and each tab subscription.
func NewRuntime(logger *zap.Logger, handler Handler, bufferSize int) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Runtime{
		logger:      logger.Named("messaging"),
		handler:     handler,
		inbox:       make(chan envelope, bufferSize),
		generation:  uuid.NewString(),
		subscribers: make(map[schemas.TabID][]chan schemas.Message),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
	}
}

// Start launches the handler loop. It returns immediately; the loop exits on Close or
// when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) {
	r.loopWg.Add(1)
	go r.loop(ctx)
}

func (r *Runtime) loop(ctx context.Context) {
	defer r.loopWg.Done()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-r.done:
			return
		case env := <-r.inbox:
			env.reply <- r.dispatch(env)
		}
	}
}

func (r *Runtime) dispatch(env envelope) (resp schemas.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler panicked.", zap.String("type", string(env.msg.Type)), zap.Any("panic", rec))
			resp = schemas.ErrorResponse(fmt.Errorf("internal error handling %s", env.msg.Type))
		}
	}()
	if err := env.ctx.Err(); err != nil {
		return schemas.ErrorResponse(err)
	}
	return r.handler.Handle(env.ctx, env.msg)
}

// Generation identifies the current incarnation of the runtime.
func (r *Runtime) Generation() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Reload starts a new generation. Ports issued before the call are invalidated; queued
// and in-flight requests still complete.
func (r *Runtime) Reload() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation = uuid.NewString()
	r.logger.Info("Runtime reloaded.", zap.String("generation", r.generation))
	return r.generation
}

// Port binds a sender tab to the current generation.
func (r *Runtime) Port(sender schemas.TabID) *Port {
	return &Port{rt: r, sender: sender, generation: r.Generation()}
}

// Closed reports whether Close has been called.
func (r *Runtime) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Close stops the loop and closes every subscription. Sends fail afterwards with
// ErrContextInvalidated.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		for tab, subs := range r.subscribers {
			for _, ch := range subs {
				close(ch)
			}
			delete(r.subscribers, tab)
		}
		r.mu.Unlock()
	})
}

// Wait blocks until the handler loop has exited.
func (r *Runtime) Wait() {
	r.loopWg.Wait()
}

// request enqueues msg and waits for its response.
func (r *Runtime) request(ctx context.Context, generation string, msg schemas.Message) (schemas.Response, error) {
	if r.Closed() || r.Generation() != generation {
		return schemas.Response{}, ErrContextInvalidated
	}
	env := envelope{ctx: ctx, msg: msg, reply: make(chan schemas.Response, 1)}

	select {
	case r.inbox <- env:
	case <-ctx.Done():
		return schemas.Response{}, ctx.Err()
	case <-r.done:
		return schemas.Response{}, ErrContextInvalidated
	}

	select {
	case resp := <-env.reply:
		return resp, nil
	case <-ctx.Done():
		return schemas.Response{}, ctx.Err()
	case <-r.done:
		return schemas.Response{}, ErrContextInvalidated
	}
}

// Subscribe registers a listener for pushes addressed to tab.
func (r *Runtime) Subscribe(tab schemas.TabID) (<-chan schemas.Message, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Closed() {
		ch := make(chan schemas.Message)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan schemas.Message, r.bufferSize)
	r.subscribers[tab] = append(r.subscribers[tab], ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.subscribers[tab]
			for i, c := range subs {
				if c == ch {
					r.subscribers[tab] = append(subs[:i:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
			if len(r.subscribers[tab]) == 0 {
				delete(r.subscribers, tab)
			}
		})
	}
	return ch, unsubscribe
}

// Notify pushes msg to every subscriber of tab. It never blocks: a full subscriber misses
// the message, since progress pushes are superseded by the next one anyway.
func (r *Runtime) Notify(tab schemas.TabID, msg schemas.Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.Closed() {
		return ErrContextInvalidated
	}
	subs := r.subscribers[tab]
	if len(subs) == 0 {
		return fmt.Errorf("%w %s", ErrNoListener, tab)
	}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			r.logger.Warn("Subscriber buffer full, dropping push.",
				zap.String("tab", string(tab)), zap.String("type", string(msg.Type)))
		}
	}
	return nil
}
