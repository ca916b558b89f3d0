package link

import (
	"errors"
	"fmt"
)

// Error taxonomy of the link engine.
//
// ErrPortUnavailable, ErrIOTimeout and ErrMalformedResponse are recovered
// locally while probing; during a connect attempt they abort the attempt and
// are reported as the reason of the transition back to Disconnected.
var (
	// ErrPortUnavailable indicates that a serial port could not be opened, or is held by another owner.
	ErrPortUnavailable = errors.New("link: port unavailable")
	// ErrIOTimeout indicates that no complete line arrived, or a write did not finish, within its deadline.
	ErrIOTimeout = errors.New("link: i/o timeout")
	// ErrMalformedResponse indicates a line with a wrong prefix or too few fields.
	ErrMalformedResponse = errors.New("link: malformed response")
	// ErrProtocolRejection indicates that the device refused a command. See RejectionError.
	ErrProtocolRejection = errors.New("link: protocol rejection")
	// ErrLinkLost indicates that nothing was received from the device for the loss threshold.
	ErrLinkLost = errors.New("link: link lost")
)

var (
	// ErrNoCandidate is returned by a connect request without a selected candidate.
	ErrNoCandidate = errors.New("link: no candidate port selected")
	// ErrEmptyCredential is returned by a connect request with an empty credential.
	ErrEmptyCredential = errors.New("link: empty credential")
	// ErrInvalidCredential is returned when the credential contains the field separator or a line break.
	ErrInvalidCredential = errors.New("link: credential contains ':' or control characters")
	// ErrInvalidTransition is returned when a state change is not an edge of the connection state cycle.
	ErrInvalidTransition = errors.New("link: invalid state transition")
	// ErrTransportClosed is returned by I/O on a closed transport.
	ErrTransportClosed = errors.New("link: transport closed")
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("link: connection config is nil")
	// ErrConnectionClosed is returned by requests on a closed Connection or Controller.
	ErrConnectionClosed = errors.New("link: connection closed")
	// ErrScanSuspended is returned by a scan requested while discovery is suspended
	// or a session owns the link.
	ErrScanSuspended = errors.New("link: scan suspended")
	// ErrScanSuperseded is returned by a scan cycle cancelled by a newer one.
	ErrScanSuperseded = errors.New("link: scan superseded by a newer cycle")
	// ErrScanBusy is returned when a scheduled scan finds a cycle still running.
	ErrScanBusy = errors.New("link: scan cycle in progress")
)

// RejectionError carries the response code of a refused command.
//
// It matches ErrProtocolRejection with errors.Is.
type RejectionError struct {
	Code string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocolRejection, e.Code)
}

// Is reports whether target is ErrProtocolRejection.
func (e *RejectionError) Is(target error) bool {
	return target == ErrProtocolRejection
}

// Reason returns the taxonomy name of err as reported to collaborators:
// "PortUnavailable", "IoTimeout", "MalformedResponse", "ProtocolRejection(<CODE>)",
// "LinkLost", or "Error" for anything else. It returns "" for a nil error.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var rejection *RejectionError

	switch {
	case errors.As(err, &rejection):
		return "ProtocolRejection(" + rejection.Code + ")"
	case errors.Is(err, ErrPortUnavailable):
		return "PortUnavailable"
	case errors.Is(err, ErrIOTimeout):
		return "IoTimeout"
	case errors.Is(err, ErrMalformedResponse):
		return "MalformedResponse"
	case errors.Is(err, ErrProtocolRejection):
		return "ProtocolRejection"
	case errors.Is(err, ErrLinkLost):
		return "LinkLost"
	default:
		return "Error"
	}
}
