package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-link/internal/task"
	"github.com/arloliu/go-link/logger"
)

// Connection is the device session state machine. It is the sole owner of the
// session transport while its state is not Disconnected.
//
// Connect and Disconnect are serialized by the session lock: a request that
// arrives while another one is in flight blocks until it completes. The wait
// is bounded by the I/O timeouts of the request in flight.
type Connection struct {
	ctx      context.Context
	cfg      *ConnectionConfig
	codec    Codec
	logger   logger.Logger
	events   *Events
	stateMgr *connStateMgr
	taskMgr  *task.Manager
	metrics  ConnectionMetrics

	// mu is the session lock.
	mu     sync.Mutex
	sess   atomic.Pointer[session]
	closed atomic.Bool
	lossWg sync.WaitGroup
}

// NewConnection creates a Disconnected Connection. events may be nil.
//
// ctx bounds the lifetime of the background tasks of every session.
func NewConnection(ctx context.Context, cfg *ConnectionConfig, events *Events) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	l := cfg.logger.With("component", "connection")
	conn := &Connection{
		ctx:     ctx,
		cfg:     cfg,
		codec:   cfg.Codec(),
		logger:  l,
		events:  events,
		taskMgr: task.NewManager(ctx, l),
	}

	conn.stateMgr = newConnStateMgr(l, func(change StateChange) {
		if conn.events != nil {
			conn.events.emitState(change)
		}
	})

	return conn, nil
}

// State returns the current session state.
func (c *Connection) State() ConnState {
	return c.stateMgr.State()
}

// WaitState waits until the session state equals state or ctx is done.
func (c *Connection) WaitState(ctx context.Context, state ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddStateHandler registers a handler invoked synchronously on every state
// transition, before the transition is delivered through Events. The handler
// must not block and must not call Connect or Disconnect.
func (c *Connection) AddStateHandler(h StateChangeHandler) {
	c.stateMgr.addHandler(h)
}

// Session returns a snapshot of the current session, if any.
func (c *Connection) Session() (SessionInfo, bool) {
	sess := c.sess.Load()
	if sess == nil {
		return SessionInfo{State: c.State()}, false
	}

	return sess.info(c.State()), true
}

// GetMetrics returns the connection metrics.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// Connect opens a session with the device on candidate.PortName using credential.
//
// It returns ErrNoCandidate or a credential error without any transition.
// Otherwise the state goes Disconnected → Connecting and then either to
// Connected, returning nil, or back to Disconnected, returning the cause:
// ErrPortUnavailable, ErrIOTimeout, ErrMalformedResponse or a *RejectionError.
//
// Called in any state other than Disconnected, Connect is a no-op and returns nil.
// ctx is only checked once the session lock is acquired; the START exchange
// itself is bounded by the transport timeouts.
func (c *Connection) Connect(ctx context.Context, candidate CandidatePort, credential string) error {
	if candidate.PortName == "" {
		return ErrNoCandidate
	}
	if err := ValidateCredential(credential); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if state := c.State(); state != Disconnected {
		c.logger.Debug("link: connect ignored", "state", state)
		return nil
	}

	sess := newSession(candidate, credential)
	if err := c.stateMgr.transit(Connecting, nil); err != nil {
		return err
	}
	c.sess.Store(sess)
	c.emitTerminal(fmt.Sprintf("Connecting to %s ...", candidate))

	tr, err := c.authenticate(sess)
	if err != nil {
		c.sess.Store(nil)
		c.metrics.incConnectFailCount()
		c.logger.Info("link: connect failed", "port", candidate.PortName, "reason", Reason(err), "error", err)
		c.emitTerminal(fmt.Sprintf("Connection to %s failed: %s", candidate.PortName, Reason(err)))
		_ = c.stateMgr.transit(Disconnected, err)

		return err
	}
	sess.transport = tr

	_ = c.stateMgr.transit(Connected, nil)
	c.metrics.incConnectCount()
	c.logger.Info("link: connected", "port", candidate.PortName, "uid", candidate.UID)
	c.emitTerminal(fmt.Sprintf("Connected to %s", candidate))
	if c.events != nil {
		c.events.emitIdentity(candidate)
	}

	if err := c.startSessionTasks(sess); err != nil {
		c.logger.Error("link: start session tasks failed", "error", err)
		c.disconnectLocked(err)

		return err
	}

	return nil
}

// Disconnect ends the session: Connected → Disconnecting → Disconnected.
//
// The STOP exchange is best effort; its failure is logged and reported as a
// trace line but the session handle is released and the state reaches
// Disconnected regardless. Called in any state other than Connected,
// Disconnect is a no-op.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.State(); state != Connected {
		c.logger.Debug("link: disconnect ignored", "state", state)
		return nil
	}

	c.disconnectLocked(nil)

	return nil
}

// Close ends the active session, if any, and rejects further connect requests.
func (c *Connection) Close() error {
	c.closed.Store(true)

	c.mu.Lock()
	if c.State() == Connected {
		c.disconnectLocked(nil)
	}
	c.mu.Unlock()

	c.lossWg.Wait()

	return nil
}

// authenticate opens the port and performs the START exchange. The transport
// is returned open only when the device answered START_OK.
func (c *Connection) authenticate(sess *session) (*Transport, error) {
	tr, err := OpenTransport(sess.candidate.PortName, c.cfg)
	if err != nil {
		return nil, err
	}

	sess.markSent(time.Now())

	line, err := tr.Request(c.ctx, c.codec.Start(sess.credential))
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	msg, err := c.codec.Decode(line, 1)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	if msg.Code != CodeStartOK {
		_ = tr.Close()
		if !IsRejectionCode(msg.Code) {
			c.logger.Warn("link: unexpected reply to START", "code", msg.Code)
		}

		return nil, &RejectionError{Code: msg.Code}
	}

	sess.markReceived(time.Now())

	return tr, nil
}

func (c *Connection) startSessionTasks(sess *session) error {
	if err := c.taskMgr.Start("readLoop", c.readLoop(sess), nil); err != nil {
		return err
	}

	return c.taskMgr.StartInterval("watchdog", c.watchdogTick(sess), c.cfg.watchdogTick, false)
}

// readLoop consumes inbound lines while Connected. Every complete line
// refreshes the liveness timestamp, whatever its content.
func (c *Connection) readLoop(sess *session) task.Func {
	return func() bool {
		line, err := sess.transport.ReadLine(c.taskMgr.Context(), c.cfg.readTimeout)
		if err != nil {
			switch {
			case errors.Is(err, ErrIOTimeout):
				return true
			case errors.Is(err, ErrMalformedResponse):
				c.logger.Warn("link: discarded inbound data", "error", err)
				return true
			case errors.Is(err, ErrTransportClosed), errors.Is(err, context.Canceled):
				return false
			default:
				// the watchdog declares the link lost once nothing arrives
				c.logger.Warn("link: read loop stopped", "error", err)
				return false
			}
		}

		sess.markReceived(time.Now())
		c.metrics.incLineRecvCount()
		c.handleLine(line)

		return true
	}
}

func (c *Connection) handleLine(line string) {
	msg, err := c.codec.Decode(line, 1)
	if err != nil {
		c.logger.Debug("link: unrecognized line", "line", line)
		return
	}

	switch {
	case msg.Code == CodePing:
		// heartbeat echo
	case msg.Code == CodeStopOK:
		c.logger.Debug("link: unsolicited STOP_OK")
	case IsRejectionCode(msg.Code):
		c.logger.Warn("link: device reported an error", "code", msg.Code)
		c.emitTerminal("Device reported " + msg.Code)
	default:
		c.logger.Debug("link: unhandled response", "code", msg.Code, "fields", msg.Fields)
	}
}

// disconnectLocked tears the session down. reason is attached to both
// transitions. It must be called with the session lock held in Connected.
func (c *Connection) disconnectLocked(reason error) {
	sess := c.sess.Load()
	if err := c.stateMgr.transit(Disconnecting, reason); err != nil {
		c.logger.Debug("link: teardown skipped", "error", err)
		return
	}

	c.taskMgr.Stop()
	c.taskMgr.Wait()

	port := ""
	if sess != nil && sess.transport != nil {
		port = sess.candidate.PortName

		if err := c.stopExchange(sess.transport); err != nil {
			c.logger.Info("link: STOP not acknowledged", "port", port, "reason", Reason(err), "error", err)
			c.emitTerminal(fmt.Sprintf("STOP not acknowledged by %s: %s", port, Reason(err)))
		} else {
			c.emitTerminal(fmt.Sprintf("Device on %s acknowledged STOP", port))
		}

		if err := sess.transport.Close(); err != nil {
			c.logger.Warn("link: release session handle failed", "port", port, "error", err)
		}
	}
	c.sess.Store(nil)

	if d := c.cfg.settleDelay; d > 0 {
		time.Sleep(d)
	}

	_ = c.stateMgr.transit(Disconnected, reason)
	c.logger.Info("link: disconnected", "port", port, "reason", Reason(reason))
	c.emitTerminal(fmt.Sprintf("Disconnected from %s", port))
}

// stopExchange sends STOP on the session handle and waits up to one read
// timeout for STOP_OK, skipping any other traffic still in flight.
func (c *Connection) stopExchange(tr *Transport) error {
	ctx := context.WithoutCancel(c.ctx)
	deadline := time.Now().Add(c.cfg.readTimeout)

	line, err := tr.Request(ctx, c.codec.Stop())
	for {
		if err != nil {
			return err
		}

		msg, derr := c.codec.Decode(line, 1)
		switch {
		case derr != nil:
			c.logger.Debug("link: unrecognized line during teardown", "line", line)
		case msg.Code == CodeStopOK:
			return nil
		case IsRejectionCode(msg.Code):
			return &RejectionError{Code: msg.Code}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no STOP_OK within %v", ErrIOTimeout, c.cfg.readTimeout)
		}
		line, err = tr.ReadLine(ctx, remaining)
	}
}

func (c *Connection) emitTerminal(line string) {
	if c.events != nil {
		c.events.emitTerminal(line)
	}
}
