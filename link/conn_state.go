package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-link/logger"
)

// ConnState represents the stages of a device session.
type ConnState uint32

// Session states. The only valid edges are
//
//	Disconnected → Connecting → Connected → Disconnecting → Disconnected
//	Connecting → Disconnected
const (
	// Disconnected is the initial and terminal state: no session handle is open.
	Disconnected ConnState = iota
	// Connecting indicates that the START exchange is in progress.
	Connecting
	// Connected indicates that the device accepted the session.
	Connected
	// Disconnecting indicates that teardown is in progress.
	Disconnecting
)

// String returns string representation of the state.
func (cs ConnState) String() string {
	switch cs {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// IsDisconnected returns if the state is Disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == Disconnected }

// IsConnected returns if the state is Connected.
func (cs ConnState) IsConnected() bool { return cs == Connected }

// CanTransitTo reports whether next is a valid edge from cs.
func (cs ConnState) CanTransitTo(next ConnState) bool {
	switch cs {
	case Disconnected:
		return next == Connecting
	case Connecting:
		return next == Connected || next == Disconnected
	case Connected:
		return next == Disconnecting
	case Disconnecting:
		return next == Disconnected
	default:
		return false
	}
}

// StateChange describes one state transition.
//
// Reason is set on failure transitions: the cause of Connecting → Disconnected,
// or ErrLinkLost when the watchdog started the teardown.
type StateChange struct {
	Prev   ConnState
	State  ConnState
	Reason error
}

// StateChangeHandler is invoked for every state transition.
type StateChangeHandler func(change StateChange)

// connStateMgr holds the authoritative session state.
//
// Handlers are invoked synchronously, in registration order, after the new
// state is visible. They must not block.
type connStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

func newConnStateMgr(l logger.Logger, handlers ...StateChangeHandler) *connStateMgr {
	mgr := &connStateMgr{
		logger:   l,
		handlers: make([]StateChangeHandler, 0, len(handlers)),
	}
	mgr.cond = sync.NewCond(&mgr.mu)
	mgr.state.Store(uint32(Disconnected))
	mgr.addHandler(handlers...)

	return mgr
}

// State returns the current state.
func (m *connStateMgr) State() ConnState {
	return ConnState(m.state.Load())
}

func (m *connStateMgr) addHandler(handlers ...StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			m.handlers = append(m.handlers, h)
		}
	}
}

// transit moves the state to next.
//
// It returns ErrInvalidTransition, leaving the state untouched, if next is not
// an edge from the current state. Self loops are invalid too.
func (m *connStateMgr) transit(next ConnState, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.State()
	if !cur.CanTransitTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}

	m.state.Store(uint32(next))
	m.cond.Broadcast()

	if reason != nil {
		m.logger.Debug("link: state changed", "prev", cur, "state", next, "reason", Reason(reason))
	} else {
		m.logger.Debug("link: state changed", "prev", cur, "state", next)
	}

	change := StateChange{Prev: cur, State: next, Reason: reason}
	for _, h := range m.handlers {
		h(change)
	}

	return nil
}

// WaitState waits until the state equals state or ctx is done.
func (m *connStateMgr) WaitState(ctx context.Context, state ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	for m.State() != state {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}

	return nil
}
