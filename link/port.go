package link

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// pollTimeout is the per-call read timeout of an open port. A line read
	// is a sequence of polls, so cancellation and the line deadline are
	// observed at this granularity.
	pollTimeout = 50 * time.Millisecond

	// tarmPollTimeout is the poll timeout for the tarm backend, which
	// expresses timeouts in deciseconds.
	tarmPollTimeout = 100 * time.Millisecond
)

// Port is an open serial handle.
//
// Read must return within a short poll timeout even when no byte is
// available, either with (0, nil) or (0, io.EOF).
type Port interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// PortOpener opens the named serial port with the settings of cfg.
type PortOpener func(name string, cfg *ConnectionConfig) (Port, error)

// PortLister enumerates the serial ports available on the host.
type PortLister func() ([]string, error)

func backendOpener(b Backend) PortOpener {
	if b == BackendTarm {
		return openTarmPort
	}

	return openBugstPort
}

// openBugstPort opens a port with go.bug.st/serial at 8N1.
func openBugstPort(name string, cfg *ConnectionConfig) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}

	if err := p.SetReadTimeout(pollTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

// tarmPort adapts *tarm.Port to Port.
type tarmPort struct {
	*tarm.Port
}

func (p tarmPort) ResetInputBuffer() error { return p.Flush() }

// openTarmPort opens a port with github.com/tarm/serial at 8N1.
func openTarmPort(name string, cfg *ConnectionConfig) (Port, error) {
	p, err := tarm.OpenPort(&tarm.Config{
		Name:        name,
		Baud:        cfg.baudRate,
		ReadTimeout: tarmPollTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	})
	if err != nil {
		return nil, err
	}

	return tarmPort{Port: p}, nil
}

// systemPortLister enumerates the host ports, sorted by name.
func systemPortLister(usbOnly bool) PortLister {
	if !usbOnly {
		return func() ([]string, error) {
			names, err := serial.GetPortsList()
			if err != nil {
				return nil, fmt.Errorf("link: enumerate serial ports: %w", err)
			}
			sort.Strings(names)

			return names, nil
		}
	}

	return func() ([]string, error) {
		details, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return nil, fmt.Errorf("link: enumerate usb serial ports: %w", err)
		}

		names := make([]string, 0, len(details))
		for _, d := range details {
			if d.IsUSB {
				names = append(names, d.Name)
			}
		}
		sort.Strings(names)

		return names, nil
	}
}

// isPortClosedError reports whether err means the handle was closed under a pending I/O.
func isPortClosedError(err error) bool {
	if errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PortClosed
	}

	return false
}
