package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-link/internal/pool"
	"github.com/arloliu/go-link/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// maxLineLength bounds an inbound line; longer input is discarded as malformed.
	maxLineLength = 1024

	// idleReadBackoff is slept when a port returns from Read immediately
	// without data, so a port that does not honor its poll timeout does not spin.
	idleReadBackoff = 10 * time.Millisecond
)

// openPorts registers every port held open by a Transport in this process.
// A port name present in the map is owned exclusively by one Transport.
var openPorts = xsync.NewMapOf[string, struct{}]()

// Transport owns one exclusively opened serial port and exchanges CRLF
// terminated lines over it.
//
// Writes are serialized, and so are reads. A read and a write may run concurrently.
type Transport struct {
	name   string
	port   Port
	cfg    *ConnectionConfig
	codec  Codec
	logger logger.Logger

	writeMu sync.Mutex

	readMu sync.Mutex
	rbuf   *bytes.Buffer
	chunk  []byte

	closed atomic.Bool
}

// OpenTransport opens the named port for exclusive use.
//
// It fails with ErrPortUnavailable if the port is already held by another
// Transport of this process or if the serial backend cannot open it.
func OpenTransport(name string, cfg *ConnectionConfig) (*Transport, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	if _, loaded := openPorts.LoadOrStore(name, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s is in use", ErrPortUnavailable, name)
	}

	port, err := cfg.opener(name, cfg)
	if err != nil {
		openPorts.Delete(name)
		return nil, fmt.Errorf("%w: open %s: %w", ErrPortUnavailable, name, err)
	}

	return &Transport{
		name:   name,
		port:   port,
		cfg:    cfg,
		codec:  cfg.Codec(),
		logger: cfg.logger.With("port", name),
		rbuf:   pool.GetBuffer(),
		chunk:  make([]byte, 256),
	}, nil
}

// IsPortOpen reports whether a Transport of this process currently holds name.
func IsPortOpen(name string) bool {
	_, ok := openPorts.Load(name)
	return ok
}

// Name returns the port name.
func (t *Transport) Name() string { return t.name }

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool { return t.closed.Load() }

// Close releases the port. It is safe to call more than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := t.port.Close()
	openPorts.Delete(t.name)

	// Close unblocks a pending Read, so the read lock is released promptly.
	t.readMu.Lock()
	pool.PutBuffer(t.rbuf)
	t.rbuf = nil
	t.readMu.Unlock()

	t.logger.Debug("link: transport closed")

	if err != nil && !isPortClosedError(err) {
		return fmt.Errorf("link: close %s: %w", t.name, err)
	}

	return nil
}

// Discard drops pending inbound bytes, both buffered and unread.
func (t *Transport) Discard() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.readMu.Lock()
	if t.rbuf != nil {
		t.rbuf.Reset()
	}
	t.readMu.Unlock()

	return t.port.ResetInputBuffer()
}

// WriteLine writes a complete command line within the write timeout.
//
// A write that does not complete in time leaves the port in an unknown state,
// so the Transport is closed and ErrIOTimeout returned.
func (t *Transport) WriteLine(ctx context.Context, line []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.logger.Debug("link: tx", "line", t.codec.Redact(line))

	done := make(chan error, 1)
	go func() {
		done <- writeAll(t.port, line)
	}()

	timer := pool.GetTimer(t.cfg.writeTimeout)
	defer pool.PutTimer(timer)

	select {
	case err := <-done:
		if err != nil {
			if t.closed.Load() || isPortClosedError(err) {
				return ErrTransportClosed
			}
			return fmt.Errorf("link: write %s: %w", t.name, err)
		}
		return nil

	case <-timer.C:
		_ = t.Close()
		return fmt.Errorf("%w: write to %s exceeded %v", ErrIOTimeout, t.name, t.cfg.writeTimeout)

	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

// ReadLine returns the next line without its terminator, waiting at most timeout.
//
// It returns ErrIOTimeout when no complete line arrived in time, ctx.Err() on
// cancellation and ErrTransportClosed once the Transport is closed.
func (t *Transport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	deadline := time.Now().Add(timeout)

	for {
		if t.rbuf == nil || t.closed.Load() {
			return "", ErrTransportClosed
		}

		if line, ok, err := t.nextBufferedLine(); ok || err != nil {
			if err == nil {
				t.logger.Debug("link: rx", "line", line)
			}
			return line, err
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: no line from %s within %v", ErrIOTimeout, t.name, timeout)
		}

		begin := time.Now()
		n, err := t.port.Read(t.chunk)
		if n > 0 {
			t.rbuf.Write(t.chunk[:n])
			continue
		}

		switch {
		case err == nil, errors.Is(err, io.EOF):
			// poll timeout, nothing received
			if time.Since(begin) < time.Millisecond {
				time.Sleep(idleReadBackoff)
			}
		case t.closed.Load() || isPortClosedError(err):
			return "", ErrTransportClosed
		default:
			return "", fmt.Errorf("link: read %s: %w", t.name, err)
		}
	}
}

// Request discards pending input, writes cmd and waits for one reply line
// within the read timeout.
func (t *Transport) Request(ctx context.Context, cmd []byte) (string, error) {
	if err := t.Discard(); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return "", err
		}
		t.logger.Debug("link: discard input failed", "error", err)
	}

	if err := t.WriteLine(ctx, cmd); err != nil {
		return "", err
	}

	return t.ReadLine(ctx, t.cfg.readTimeout)
}

// nextBufferedLine extracts one LF-terminated line from the read buffer.
// Must be called with readMu held.
func (t *Transport) nextBufferedLine() (string, bool, error) {
	idx := bytes.IndexByte(t.rbuf.Bytes(), '\n')
	if idx < 0 {
		if t.rbuf.Len() > maxLineLength {
			t.rbuf.Reset()
			return "", false, fmt.Errorf("%w: line from %s exceeds %d bytes", ErrMalformedResponse, t.name, maxLineLength)
		}
		return "", false, nil
	}

	raw := t.rbuf.Next(idx + 1)
	line := string(bytes.TrimRight(raw, "\r\n"))

	return line, true, nil
}

func writeAll(w io.Writer, data []byte) error {
	for written := 0; written < len(data); {
		n, err := w.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}
