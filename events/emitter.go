// Package events implements the event emitter shared by the transport,
// forwarder, CDP and session components.
package events

import (
	"context"
	"sync"
)

// Ensure Emitter implements the EventEmitter interface
var _ EventEmitter = &Emitter{}

// Event as emitted by an EventEmitter.
type Event struct {
	Type string
	Data interface{}
}

// EventEmitter is implemented by every component that publishes events.
type EventEmitter interface {
	Emit(event string, data interface{})
	On(ctx context.Context, events []string, ch chan Event)
	OnAll(ctx context.Context, ch chan Event)
}

// eventHandler is one registered subscriber channel. Events are staged in a
// per-handler queue and drained by a dedicated goroutine, so every handler
// sees events in emission order and a slow consumer never stalls the
// emitting component or other handlers.
type eventHandler struct {
	ctx   context.Context
	ch    chan Event
	queue *eventQueue
}

func newEventHandler(ctx context.Context, ch chan Event) *eventHandler {
	return &eventHandler{
		ctx: ctx,
		ch:  ch,
		queue: &eventQueue{
			wake: make(chan struct{}, 1),
		},
	}
}

// deliver drains the handler queue into the handler channel, in FIFO order,
// until either the handler's or the emitter's context ends.
func (h *eventHandler) deliver(emitterCtx context.Context) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-emitterCtx.Done():
			return
		case <-h.queue.wake:
		}
		for {
			ev, ok := h.queue.pop()
			if !ok {
				break
			}
			select {
			case h.ch <- ev:
			case <-h.ctx.Done():
				return
			case <-emitterCtx.Done():
				return
			}
		}
	}
}

// eventQueue is an unbounded FIFO staging area between Emit and one handler.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	wake   chan struct{}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Emitter dispatches events to registered handlers. Handler registration and
// dispatch are serialized through a single goroutine, so callers never need
// extra locking. A handler is dropped as soon as its context is done.
type Emitter struct {
	handlers    map[string][]*eventHandler
	handlersAll []*eventHandler

	handlersCh chan func() chan struct{}
	ctx        context.Context
}

// NewEmitter creates a new emitter whose dispatch goroutine stops when ctx
// is done.
func NewEmitter(ctx context.Context) *Emitter {
	e := &Emitter{
		handlers:    make(map[string][]*eventHandler),
		handlersAll: make([]*eventHandler, 0),
		handlersCh:  make(chan func() chan struct{}),
		ctx:         ctx,
	}
	go e.handleHandlers(ctx)
	return e
}

// handleHandlers processes one registration or dispatch request at a time
// for synchronization. A request received is always answered, even during
// shutdown: its sender is already committed to waiting.
func (e *Emitter) handleHandlers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.handlersCh:
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync is a helper for synchronized access to the emitter state.
func (e *Emitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.handlersCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

// Emit publishes the event to every handler registered for its type and to
// every catch-all handler. The event lands on each handler's queue before
// Emit returns, so per-handler ordering matches emission order.
func (e *Emitter) Emit(event string, data interface{}) {
	enqueue := func(handlers []*eventHandler) []*eventHandler {
		for i := 0; i < len(handlers); {
			handler := handlers[i]
			select {
			case <-handler.ctx.Done():
				handlers = append(handlers[:i], handlers[i+1:]...)
				continue
			default:
				handler.queue.push(Event{event, data})
				i++
			}
		}
		return handlers
	}

	e.sync(func() {
		e.handlers[event] = enqueue(e.handlers[event])
		e.handlersAll = enqueue(e.handlersAll)
	})
}

// On registers a handler channel for the given event types. The registration
// lasts until ctx is done.
func (e *Emitter) On(ctx context.Context, events []string, ch chan Event) {
	handler := newEventHandler(ctx, ch)
	e.sync(func() {
		for _, event := range events {
			if _, ok := e.handlers[event]; !ok {
				e.handlers[event] = make([]*eventHandler, 0)
			}
			e.handlers[event] = append(e.handlers[event], handler)
		}
		go handler.deliver(e.ctx)
	})
}

// OnAll registers a handler channel for all events.
func (e *Emitter) OnAll(ctx context.Context, ch chan Event) {
	handler := newEventHandler(ctx, ch)
	e.sync(func() {
		e.handlersAll = append(e.handlersAll, handler)
		go handler.deliver(e.ctx)
	})
}
