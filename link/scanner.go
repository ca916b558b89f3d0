package link

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-link/internal/task"
	"github.com/arloliu/go-link/logger"
)

// CandidatePort is a port on which a device answered the identity query.
type CandidatePort struct {
	PortName string
	Identity
}

// String returns "<port> | <uid>", the form shown to users.
func (c CandidatePort) String() string {
	if c.UID == "" {
		return c.PortName
	}

	return c.PortName + " | " + c.UID
}

// Scanner discovers devices by probing every serial port of the host with the
// identity query.
//
// Cycles run every ScanInterval while the scanner is open: not suspended and,
// when a gate is set, while the gate reports true. A scheduled cycle is skipped
// while the previous one is still probing; Rescan instead cancels the running
// cycle and starts a new one. Only the newest cycle's result replaces the
// candidate list.
type Scanner struct {
	ctx     context.Context
	cfg     *ConnectionConfig
	codec   Codec
	logger  logger.Logger
	events  *Events
	taskMgr *task.Manager
	metrics *ConnectionMetrics

	gate      func() bool
	suspended atomic.Int32
	started   atomic.Bool

	// runMu is held for the whole duration of a cycle.
	runMu      sync.Mutex
	generation atomic.Uint64
	preempting atomic.Int32
	cancelMu   sync.Mutex
	cancelCur  context.CancelFunc

	mu         sync.RWMutex
	candidates []CandidatePort
	selected   string
}

// NewScanner creates a stopped Scanner. events may be nil.
func NewScanner(ctx context.Context, cfg *ConnectionConfig, events *Events) (*Scanner, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	l := cfg.logger.With("component", "scanner")

	return &Scanner{
		ctx:     ctx,
		cfg:     cfg,
		codec:   cfg.Codec(),
		logger:  l,
		events:  events,
		taskMgr: task.NewManager(ctx, l),
		metrics: &ConnectionMetrics{},
	}, nil
}

// SetGate sets a condition checked before each cycle and before each probe;
// scanning pauses while it returns false. It must be set before Start.
func (s *Scanner) SetGate(gate func() bool) {
	s.gate = gate
}

// Start starts periodic scanning. The first cycle begins immediately.
func (s *Scanner) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("link: scanner already started")
	}

	scheduled := func() bool {
		_, err := s.scan(s.taskMgr.Context(), false)
		if err != nil && !isQuietScanError(err) {
			s.logger.Debug("link: scan cycle ended", "error", err)
		}

		return true
	}

	if err := s.taskMgr.Start("initialScan", func() bool {
		scheduled()
		return false
	}, nil); err != nil {
		s.started.Store(false)
		return err
	}

	if err := s.taskMgr.StartInterval("scanner", scheduled, s.cfg.scanInterval, false); err != nil {
		s.Stop()
		return err
	}

	return nil
}

// Stop stops periodic scanning and waits for the running cycle to end.
// The scanner can be started again.
func (s *Scanner) Stop() {
	s.taskMgr.Stop()
	s.cancelRunning()
	s.taskMgr.Wait()
	s.started.Store(false)
}

// Suspend pauses scanning, cancels the running cycle and waits until it has
// released its port. Calls nest; each Suspend needs a matching Resume.
func (s *Scanner) Suspend() {
	s.suspended.Add(1)
	s.cancelRunning()

	// wait for the running cycle to drain
	s.runMu.Lock()
	s.runMu.Unlock() //nolint:staticcheck
}

// Resume undoes one Suspend.
func (s *Scanner) Resume() {
	if s.suspended.Add(-1) < 0 {
		s.suspended.Store(0)
	}
}

// IsSuspended reports whether scanning is currently paused.
func (s *Scanner) IsSuspended() bool {
	return !s.isOpen()
}

// Rescan cancels the running cycle, if any, and runs a new one in the calling
// goroutine. It returns the candidates found by this cycle.
func (s *Scanner) Rescan(ctx context.Context) ([]CandidatePort, error) {
	return s.scan(ctx, true)
}

// Candidates returns a copy of the current candidate list.
func (s *Scanner) Candidates() []CandidatePort {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.candidates)
}

// Select marks the candidate on portName as selected. An empty portName clears
// the selection.
func (s *Scanner) Select(portName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if portName == "" {
		s.selected = ""
		return nil
	}

	if !slices.ContainsFunc(s.candidates, func(c CandidatePort) bool { return c.PortName == portName }) {
		return fmt.Errorf("%w: %s is not a candidate", ErrNoCandidate, portName)
	}
	s.selected = portName

	return nil
}

// Selected returns the selected candidate.
func (s *Scanner) Selected() (CandidatePort, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.selected == "" {
		return CandidatePort{}, false
	}

	for _, c := range s.candidates {
		if c.PortName == s.selected {
			return c, true
		}
	}

	return CandidatePort{}, false
}

// Probe opens portName, sends the identity query and waits one read timeout
// for the reply. The port is closed before Probe returns.
func (s *Scanner) Probe(ctx context.Context, portName string) (CandidatePort, error) {
	s.metrics.incProbeCount()

	candidate, err := s.probe(ctx, portName)
	if err != nil {
		s.metrics.incProbeFailCount()
		s.logger.Debug("link: probe failed", "port", portName, "reason", Reason(err), "error", err)

		return CandidatePort{}, err
	}

	s.logger.Debug("link: probe found device", "port", portName, "uid", candidate.UID,
		"version", candidate.Version, "model", candidate.Model)

	return candidate, nil
}

func (s *Scanner) probe(ctx context.Context, portName string) (CandidatePort, error) {
	tr, err := OpenTransport(portName, s.cfg)
	if err != nil {
		return CandidatePort{}, err
	}
	defer tr.Close()

	line, err := tr.Request(ctx, s.codec.GetVersion())
	if err != nil {
		return CandidatePort{}, err
	}

	id, err := s.codec.DecodeIdentity(line)
	if err != nil {
		return CandidatePort{}, err
	}

	return CandidatePort{PortName: portName, Identity: id}, nil
}

func (s *Scanner) scan(ctx context.Context, preempt bool) ([]CandidatePort, error) {
	if preempt {
		// supersede the running cycle, then take its place
		s.preempting.Add(1)
		s.generation.Add(1)
		s.cancelRunning()
		s.runMu.Lock()
		s.preempting.Add(-1)
	} else {
		if !s.runMu.TryLock() {
			return nil, ErrScanBusy
		}
		if s.preempting.Load() > 0 {
			s.runMu.Unlock()
			return nil, ErrScanBusy
		}
	}
	defer s.runMu.Unlock()

	// bumped under runMu so that a cycle only loses to a later preempting call
	gen := s.generation.Add(1)

	if !s.isOpen() {
		return nil, ErrScanSuspended
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.ctx, cancel)
	defer stopAfter()

	s.cancelMu.Lock()
	s.cancelCur = cancel
	s.cancelMu.Unlock()

	defer func() {
		s.cancelMu.Lock()
		s.cancelCur = nil
		s.cancelMu.Unlock()
		cancel()
	}()

	begin := time.Now()

	ports, err := s.cfg.portLister()
	if err != nil {
		s.logger.Warn("link: list serial ports failed", "error", err)
		s.emitTerminal(fmt.Sprintf("Port scan failed: %v", err))

		return nil, fmt.Errorf("link: list ports: %w", err)
	}

	found := make([]CandidatePort, 0, len(ports))
	for _, port := range ports {
		if err := s.cycleErr(cycleCtx, gen); err != nil {
			return nil, err
		}

		if !s.cfg.matchPort(port) {
			continue
		}

		if IsPortOpen(port) {
			continue
		}

		candidate, err := s.Probe(cycleCtx, port)
		if err == nil {
			found = append(found, candidate)
		}
	}

	if err := s.cycleErr(cycleCtx, gen); err != nil {
		return nil, err
	}

	s.metrics.incScanCycleCount()
	s.apply(found)
	s.logger.Debug("link: scan cycle completed", "ports", len(ports), "candidates", len(found),
		"elapsed", time.Since(begin))

	return slices.Clone(found), nil
}

// cycleErr reports why the cycle numbered gen must stop, or nil.
func (s *Scanner) cycleErr(ctx context.Context, gen uint64) error {
	switch {
	case gen != s.generation.Load():
		return ErrScanSuperseded
	case !s.isOpen():
		return ErrScanSuspended
	default:
		return ctx.Err()
	}
}

func (s *Scanner) apply(found []CandidatePort) {
	s.mu.Lock()
	changed := !slices.Equal(s.candidates, found)
	s.candidates = found

	if s.selected != "" && !slices.ContainsFunc(found, func(c CandidatePort) bool { return c.PortName == s.selected }) {
		s.logger.Debug("link: selected candidate disappeared", "port", s.selected)
		s.selected = ""
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	if s.events != nil {
		s.events.emitCandidates(found)
	}
	s.emitTerminal(fmt.Sprintf("Found %d device(s)", len(found)))
}

func (s *Scanner) cancelRunning() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	if s.cancelCur != nil {
		s.cancelCur()
	}
}

func (s *Scanner) isOpen() bool {
	if s.suspended.Load() > 0 {
		return false
	}

	return s.gate == nil || s.gate()
}

func (s *Scanner) emitTerminal(line string) {
	if s.events != nil {
		s.events.emitTerminal(line)
	}
}

func isQuietScanError(err error) bool {
	return errors.Is(err, ErrScanBusy) || errors.Is(err, ErrScanSuspended) ||
		errors.Is(err, ErrScanSuperseded) || errors.Is(err, context.Canceled)
}
