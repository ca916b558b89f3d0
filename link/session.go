package link

import (
	"sync"
	"sync/atomic"
	"time"
)

// session is the singleton record of the active device session.
//
// It is created when a connect attempt starts and dropped on teardown. Only
// the two liveness timestamps change after creation; they are written by the
// watchdog and the inbound read loop and guarded by tsMu, which is never held
// across I/O.
type session struct {
	candidate  CandidatePort
	credential string
	transport  *Transport
	startedAt  time.Time

	// lost is set once the watchdog declared this session lost.
	lost atomic.Bool

	tsMu                   sync.Mutex
	lastCommandSentAt      time.Time
	lastResponseReceivedAt time.Time
}

func newSession(candidate CandidatePort, credential string) *session {
	now := time.Now()

	return &session{
		candidate:              candidate,
		credential:             credential,
		startedAt:              now,
		lastCommandSentAt:      now,
		lastResponseReceivedAt: now,
	}
}

func (s *session) markSent(at time.Time) {
	s.tsMu.Lock()
	s.lastCommandSentAt = at
	s.tsMu.Unlock()
}

func (s *session) markReceived(at time.Time) {
	s.tsMu.Lock()
	s.lastResponseReceivedAt = at
	s.tsMu.Unlock()
}

func (s *session) timestamps() (sent, received time.Time) {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	return s.lastCommandSentAt, s.lastResponseReceivedAt
}

// SessionInfo is a snapshot of the active session. The credential is never exposed.
type SessionInfo struct {
	State                  ConnState
	Candidate              CandidatePort
	StartedAt              time.Time
	LastCommandSentAt      time.Time
	LastResponseReceivedAt time.Time
}

func (s *session) info(state ConnState) SessionInfo {
	sent, received := s.timestamps()

	return SessionInfo{
		State:                  state,
		Candidate:              s.candidate,
		StartedAt:              s.startedAt,
		LastCommandSentAt:      sent,
		LastResponseReceivedAt: received,
	}
}
