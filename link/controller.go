package link

import (
	"context"
	"sync/atomic"

	"github.com/arloliu/go-link/logger"
)

// Controller is the interface between the link engine and its collaborator,
// typically a user interface.
//
// The collaborator selects a candidate, issues connect and disconnect
// requests and subscribes to events. The Controller keeps discovery and the
// session apart: the scanner only runs while the connection is Disconnected,
// and a connect request waits for a running scan cycle to release its port.
type Controller struct {
	cfg     *ConnectionConfig
	logger  logger.Logger
	events  *Events
	conn    *Connection
	scanner *Scanner
	closed  atomic.Bool
}

// NewController creates a Controller. Call Start to begin discovery.
func NewController(ctx context.Context, cfg *ConnectionConfig) (*Controller, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	events := NewEvents(ctx, cfg.logger)

	conn, err := NewConnection(ctx, cfg, events)
	if err != nil {
		events.Close()
		return nil, err
	}

	scanner, err := NewScanner(ctx, cfg, events)
	if err != nil {
		events.Close()
		return nil, err
	}
	scanner.metrics = conn.GetMetrics()
	scanner.SetGate(func() bool { return conn.State() == Disconnected })

	return &Controller{
		cfg:     cfg,
		logger:  cfg.logger,
		events:  events,
		conn:    conn,
		scanner: scanner,
	}, nil
}

// Start starts periodic discovery.
func (c *Controller) Start() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	return c.scanner.Start()
}

// Close stops discovery, ends the active session and stops event delivery.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.scanner.Stop()
	err := c.conn.Close()
	c.events.Close()

	return err
}

// Connect connects to the selected candidate. It returns ErrNoCandidate if
// nothing is selected. See Connection.Connect for the outcomes.
func (c *Controller) Connect(ctx context.Context, credential string) error {
	candidate, ok := c.scanner.Selected()
	if !ok {
		return ErrNoCandidate
	}

	return c.ConnectCandidate(ctx, candidate, credential)
}

// ConnectCandidate connects to candidate regardless of the selection.
func (c *Controller) ConnectCandidate(ctx context.Context, candidate CandidatePort, credential string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if candidate.PortName == "" {
		return ErrNoCandidate
	}
	if err := ValidateCredential(credential); err != nil {
		return err
	}

	c.scanner.Suspend()
	defer c.scanner.Resume()

	return c.conn.Connect(ctx, candidate, credential)
}

// Disconnect ends the active session. It is a no-op unless Connected.
func (c *Controller) Disconnect() error {
	return c.conn.Disconnect()
}

// Toggle connects to the selected candidate when Disconnected and disconnects
// when Connected. In the transient states it does nothing.
func (c *Controller) Toggle(ctx context.Context, credential string) error {
	switch c.conn.State() {
	case Disconnected:
		return c.Connect(ctx, credential)
	case Connected:
		return c.Disconnect()
	default:
		return nil
	}
}

// Rescan runs a discovery cycle now, cancelling the one in progress.
func (c *Controller) Rescan(ctx context.Context) ([]CandidatePort, error) {
	return c.scanner.Rescan(ctx)
}

// Select selects the candidate on portName; an empty name clears the selection.
func (c *Controller) Select(portName string) error {
	return c.scanner.Select(portName)
}

// Selected returns the selected candidate.
func (c *Controller) Selected() (CandidatePort, bool) {
	return c.scanner.Selected()
}

// Candidates returns the current candidate list.
func (c *Controller) Candidates() []CandidatePort {
	return c.scanner.Candidates()
}

// State returns the session state.
func (c *Controller) State() ConnState {
	return c.conn.State()
}

// WaitState waits until the session state equals state or ctx is done.
func (c *Controller) WaitState(ctx context.Context, state ConnState) error {
	return c.conn.WaitState(ctx, state)
}

// Session returns a snapshot of the active session.
func (c *Controller) Session() (SessionInfo, bool) {
	return c.conn.Session()
}

// GetMetrics returns the metrics of the session and of discovery.
func (c *Controller) GetMetrics() *ConnectionMetrics {
	return c.conn.GetMetrics()
}

// Events returns the event hub, for handler registration.
func (c *Controller) Events() *Events {
	return c.events
}

// OnStateChange registers a state change handler.
func (c *Controller) OnStateChange(h StateChangeHandler) { c.events.OnStateChange(h) }

// OnCandidates registers a candidate list handler.
func (c *Controller) OnCandidates(h CandidatesChangedHandler) { c.events.OnCandidates(h) }

// OnTerminal registers a trace line handler.
func (c *Controller) OnTerminal(h TerminalHandler) { c.events.OnTerminal(h) }

// OnIdentity registers an identity handler.
func (c *Controller) OnIdentity(h IdentityHandler) { c.events.OnIdentity(h) }
