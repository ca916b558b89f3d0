package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-link/internal/queue"
	"github.com/arloliu/go-link/logger"
)

// CandidatesChangedHandler receives the new ordered candidate list.
type CandidatesChangedHandler func(candidates []CandidatePort)

// TerminalHandler receives human-readable trace lines.
type TerminalHandler func(line string)

// closeDrainTimeout bounds the delivery of queued events on Close.
const closeDrainTimeout = 2 * time.Second

// IdentityHandler receives the identity of the device that accepted a session.
type IdentityHandler func(candidate CandidatePort)

// Events delivers link events to registered handlers.
//
// Events are queued by the engine without blocking and delivered in order
// from a single dispatcher goroutine, so a handler never runs under an engine
// lock and may call back into the Controller. A panicking handler is logged
// and does not stop delivery.
type Events struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	mu        sync.Mutex
	pending   queue.Queue[func()]
	signal    chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	handlerMu  sync.RWMutex
	state      []StateChangeHandler
	candidates []CandidatesChangedHandler
	terminal   []TerminalHandler
	identity   []IdentityHandler
}

// NewEvents creates an Events and starts its dispatcher. The dispatcher stops
// when ctx is done or Close is called.
func NewEvents(ctx context.Context, l logger.Logger) *Events {
	e := &Events{
		logger:  l,
		pending: queue.NewSliceQueue[func()](16),
		signal:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	go e.dispatch()

	return e
}

// OnStateChange registers a state change handler.
func (e *Events) OnStateChange(h StateChangeHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.state = append(e.state, h)
}

// OnCandidates registers a candidate list handler.
func (e *Events) OnCandidates(h CandidatesChangedHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.candidates = append(e.candidates, h)
}

// OnTerminal registers a trace line handler.
func (e *Events) OnTerminal(h TerminalHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.terminal = append(e.terminal, h)
}

// OnIdentity registers an identity handler.
func (e *Events) OnIdentity(h IdentityHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.identity = append(e.identity, h)
}

// Close stops accepting events, delivers the ones already queued and stops
// the dispatcher. Delivery is bounded by closeDrainTimeout; events still
// queued after it are dropped once the handler in progress returns.
func (e *Events) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.closing)
	})

	timer := time.NewTimer(closeDrainTimeout)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		e.logger.Warn("link: event delivery on close timed out")
	}
	e.cancel()
	<-e.done
}

func (e *Events) emitState(change StateChange) {
	e.post(func() {
		e.handlerMu.RLock()
		handlers := e.state
		e.handlerMu.RUnlock()

		for _, h := range handlers {
			h(change)
		}
	})
}

func (e *Events) emitCandidates(candidates []CandidatePort) {
	e.post(func() {
		e.handlerMu.RLock()
		handlers := e.candidates
		e.handlerMu.RUnlock()

		for _, h := range handlers {
			// each handler gets its own copy
			list := make([]CandidatePort, len(candidates))
			copy(list, candidates)
			h(list)
		}
	})
}

func (e *Events) emitTerminal(line string) {
	e.post(func() {
		e.handlerMu.RLock()
		handlers := e.terminal
		e.handlerMu.RUnlock()

		for _, h := range handlers {
			h(line)
		}
	})
}

func (e *Events) emitIdentity(candidate CandidatePort) {
	e.post(func() {
		e.handlerMu.RLock()
		handlers := e.identity
		e.handlerMu.RUnlock()

		for _, h := range handlers {
			h(candidate)
		}
	})
}

func (e *Events) post(fn func()) {
	if e.closed.Load() {
		return
	}

	e.mu.Lock()
	e.pending.Enqueue(fn)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Events) dispatch() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.closing:
			e.deliverPending()
			return
		case <-e.signal:
		}

		if !e.deliverPending() {
			return
		}
	}
}

// deliverPending invokes queued events until the queue is empty. It returns
// false if the dispatcher context was cancelled meanwhile.
func (e *Events) deliverPending() bool {
	for {
		e.mu.Lock()
		fn, ok := e.pending.Dequeue()
		e.mu.Unlock()

		if !ok {
			return true
		}

		e.invoke(fn)

		if e.ctx.Err() != nil {
			return false
		}
	}
}

func (e *Events) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("link: event handler panic", "panic", r)
		}
	}()

	fn()
}
