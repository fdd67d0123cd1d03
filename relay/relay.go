// Package relay routes messages between page watchers, the coordinator and
// user-facing surfaces, none of which may assume another is alive.
//
// Send is asynchronous and at-most-once. Messages sent from the same origin
// are handled in order; distinct origins are handled concurrently.
//
//	r := relay.New(relay.WithLogger(logger))
//	r.Handle(relay.DOMChanged, coord.onDOMChanged)
//	res := <-r.Send(ctx, "tab-1", msg)
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one message payload.
type Handler func(ctx context.Context, payload json.RawMessage) Result

// Emitter is the outbound side of the relay as seen by a single origin.
type Emitter interface {
	Emit(ctx context.Context, msg Message) error
}

// ErrQueueFull is returned when an origin has too many pending messages.
var ErrQueueFull = errors.New("relay: queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("relay: closed")

// DefaultQueueSize bounds the pending messages per origin.
const DefaultQueueSize = 256

type pending struct {
	ctx context.Context
	msg Message
	out chan Result
}

type queue struct {
	items []pending
}

// Relay is an in-process message router. It is safe for concurrent use.
type Relay struct {
	mu        sync.Mutex
	handlers  map[Type]Handler
	queues    map[string]*queue
	closed    bool
	wg        sync.WaitGroup
	queueSize int
	logger    *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithQueueSize sets the per-origin queue bound.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

// New creates an empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		handlers:  make(map[Type]Handler),
		queues:    make(map[string]*queue),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle registers h for messages of type t, replacing any previous handler.
func (r *Relay) Handle(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Call handles msg synchronously on the caller's goroutine.
func (r *Relay) Call(ctx context.Context, msg Message) (res Result) {
	r.mu.Lock()
	h, ok := r.handlers[msg.Type]
	r.mu.Unlock()
	if !ok {
		return Result{Error: fmt.Sprintf("Unknown message type: %s", msg.Type)}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("relay: handler panic", "type", msg.Type, "panic", p)
			res = Result{Error: fmt.Sprintf("relay: handler panic: %v", p)}
		}
	}()
	return h(ctx, msg.Payload)
}

// Send queues msg for asynchronous handling behind earlier messages from
// the same origin. The returned channel receives exactly one result.
// Handling is detached from ctx cancellation: once accepted, a message is
// always handled to completion.
func (r *Relay) Send(ctx context.Context, origin string, msg Message) <-chan Result {
	out := make(chan Result, 1)
	if err := r.enqueue(ctx, origin, msg, out); err != nil {
		out <- Fail(err)
	}
	return out
}

// Origin returns an Emitter that sends every message as origin.
func (r *Relay) Origin(name string) Emitter {
	return originEmitter{r: r, name: name}
}

type originEmitter struct {
	r    *Relay
	name string
}

func (e originEmitter) Emit(ctx context.Context, msg Message) error {
	return e.r.enqueue(ctx, e.name, msg, make(chan Result, 1))
}

func (r *Relay) enqueue(ctx context.Context, origin string, msg Message, out chan Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	q, ok := r.queues[origin]
	if !ok {
		q = &queue{}
		r.queues[origin] = q
		r.wg.Add(1)
		go r.drain(origin, q)
	}
	if len(q.items) >= r.queueSize {
		r.logger.Warn("relay: queue full, message dropped", "origin", origin, "type", msg.Type)
		return ErrQueueFull
	}
	q.items = append(q.items, pending{ctx: context.WithoutCancel(ctx), msg: msg, out: out})
	return nil
}

// drain handles queued messages for one origin and exits once the queue is
// empty. The next Send for the origin starts a new drainer.
func (r *Relay) drain(origin string, q *queue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.items) == 0 {
			delete(r.queues, origin)
			r.mu.Unlock()
			return
		}
		p := q.items[0]
		q.items[0] = pending{}
		q.items = q.items[1:]
		r.mu.Unlock()

		res := r.Call(p.ctx, p.msg)
		if res.Error != "" {
			r.logger.Warn("relay: handler error", "origin", origin, "type", p.msg.Type, "error", res.Error)
		}
		p.out <- res
	}
}

// Close stops accepting messages and waits for queued ones to be handled
// or for ctx to expire.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: close: %w", ctx.Err())
	}
}
