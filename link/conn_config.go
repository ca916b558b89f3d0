package link

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/arloliu/go-link/logger"
)

// Default serial and protocol parameters.
const (
	DefaultBaudRate = 115200

	DefaultReadTimeout  = 5000 * time.Millisecond
	DefaultWriteTimeout = 3000 * time.Millisecond

	DefaultPingInterval  = 4 * time.Second
	DefaultLossThreshold = 5 * time.Second
	DefaultWatchdogTick  = 1 * time.Second

	DefaultScanInterval = 2 * time.Second
	DefaultSettleDelay  = 100 * time.Millisecond
)

// Range limits for the configurable durations.
const (
	MinTimeout = 10 * time.Millisecond
	MaxTimeout = 60 * time.Second

	MinInterval = 10 * time.Millisecond
	MaxInterval = 10 * time.Minute

	MaxSettleDelay = 5 * time.Second
)

// Backend selects the serial library used to open ports.
type Backend string

const (
	// BackendBugst opens ports with go.bug.st/serial. This is the default.
	BackendBugst Backend = "bugst"
	// BackendTarm opens ports with github.com/tarm/serial.
	BackendTarm Backend = "tarm"
)

// ConnectionConfig holds the configuration shared by the Transport, the
// Scanner and the Connection.
type ConnectionConfig struct {
	appTag   string
	baudRate int

	readTimeout  time.Duration
	writeTimeout time.Duration

	// keepalive
	pingInterval  time.Duration
	lossThreshold time.Duration
	watchdogTick  time.Duration

	// discovery
	scanInterval time.Duration
	portPatterns []string
	usbOnly      bool

	// settleDelay is the pause after releasing the session handle before
	// the state returns to Disconnected and discovery may reopen the port.
	settleDelay time.Duration

	backend    Backend
	opener     PortOpener
	portLister PortLister

	logger logger.Logger
}

// NewConnectionConfig creates a configuration with the protocol defaults
// (115200 8N1, 5s read, 3s write, 4s ping, 5s loss threshold, 2s scan) and
// applies opts in order.
func NewConnectionConfig(opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		appTag:        AppTag,
		baudRate:      DefaultBaudRate,
		readTimeout:   DefaultReadTimeout,
		writeTimeout:  DefaultWriteTimeout,
		pingInterval:  DefaultPingInterval,
		lossThreshold: DefaultLossThreshold,
		watchdogTick:  DefaultWatchdogTick,
		scanInterval:  DefaultScanInterval,
		settleDelay:   DefaultSettleDelay,
		backend:       BackendBugst,
		logger:        logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.pingInterval >= cfg.lossThreshold {
		return nil, fmt.Errorf("link: ping interval %v must be shorter than loss threshold %v",
			cfg.pingInterval, cfg.lossThreshold)
	}

	if cfg.opener == nil {
		cfg.opener = backendOpener(cfg.backend)
	}
	if cfg.portLister == nil {
		cfg.portLister = systemPortLister(cfg.usbOnly)
	}

	return cfg, nil
}

// AppTag returns the application tag of the line prefix.
func (cfg *ConnectionConfig) AppTag() string { return cfg.appTag }

// BaudRate returns the serial line speed.
func (cfg *ConnectionConfig) BaudRate() int { return cfg.baudRate }

// ReadTimeout returns how long a reply line is awaited.
func (cfg *ConnectionConfig) ReadTimeout() time.Duration { return cfg.readTimeout }

// WriteTimeout returns how long a command write may take.
func (cfg *ConnectionConfig) WriteTimeout() time.Duration { return cfg.writeTimeout }

// PingInterval returns the keepalive cadence.
func (cfg *ConnectionConfig) PingInterval() time.Duration { return cfg.pingInterval }

// LossThreshold returns the silence after which the link is declared lost.
func (cfg *ConnectionConfig) LossThreshold() time.Duration { return cfg.lossThreshold }

// WatchdogTick returns how often the watchdog evaluates its timers.
func (cfg *ConnectionConfig) WatchdogTick() time.Duration { return cfg.watchdogTick }

// ScanInterval returns the discovery period.
func (cfg *ConnectionConfig) ScanInterval() time.Duration { return cfg.scanInterval }

// SettleDelay returns the pause after releasing the session handle.
func (cfg *ConnectionConfig) SettleDelay() time.Duration { return cfg.settleDelay }

// PortPatterns returns the glob patterns a port name must match to be probed.
// An empty list probes every port.
func (cfg *ConnectionConfig) PortPatterns() []string { return cfg.portPatterns }

// USBOnly reports whether discovery is restricted to USB serial adapters.
func (cfg *ConnectionConfig) USBOnly() bool { return cfg.usbOnly }

// Backend returns the serial backend.
func (cfg *ConnectionConfig) Backend() Backend { return cfg.backend }

// GetLogger returns the configured logger.
func (cfg *ConnectionConfig) GetLogger() logger.Logger { return cfg.logger }

// Codec returns a Codec for the configured application tag.
func (cfg *ConnectionConfig) Codec() Codec { return NewCodec(cfg.appTag) }

// matchPort reports whether name passes the configured port patterns.
func (cfg *ConnectionConfig) matchPort(name string) bool {
	if len(cfg.portPatterns) == 0 {
		return true
	}

	for _, pattern := range cfg.portPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}

	return false
}

// --- ConnOption ---

// ConnOption is a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error { return f(cfg) }

// WithAppTag sets the application tag of the line prefix.
func WithAppTag(tag string) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if tag == "" || strings.ContainsAny(tag, ":\r\n") {
			return fmt.Errorf("link: invalid application tag %q", tag)
		}
		cfg.appTag = tag

		return nil
	})
}

// WithBaudRate sets the serial line speed.
func WithBaudRate(baud int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if baud <= 0 {
			return fmt.Errorf("link: invalid baud rate %d", baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithReadTimeout sets how long a reply line is awaited.
func WithReadTimeout(d time.Duration) ConnOption {
	return durationOption("read timeout", d, MinTimeout, MaxTimeout, func(cfg *ConnectionConfig) {
		cfg.readTimeout = d
	})
}

// WithWriteTimeout sets how long a command write may take.
func WithWriteTimeout(d time.Duration) ConnOption {
	return durationOption("write timeout", d, MinTimeout, MaxTimeout, func(cfg *ConnectionConfig) {
		cfg.writeTimeout = d
	})
}

// WithPingInterval sets the keepalive cadence. It must stay below the loss threshold.
func WithPingInterval(d time.Duration) ConnOption {
	return durationOption("ping interval", d, MinInterval, MaxInterval, func(cfg *ConnectionConfig) {
		cfg.pingInterval = d
	})
}

// WithLossThreshold sets the silence after which the link is declared lost.
func WithLossThreshold(d time.Duration) ConnOption {
	return durationOption("loss threshold", d, MinInterval, MaxInterval, func(cfg *ConnectionConfig) {
		cfg.lossThreshold = d
	})
}

// WithWatchdogTick sets how often the watchdog evaluates its timers.
func WithWatchdogTick(d time.Duration) ConnOption {
	return durationOption("watchdog tick", d, MinInterval, MaxInterval, func(cfg *ConnectionConfig) {
		cfg.watchdogTick = d
	})
}

// WithScanInterval sets the discovery period.
func WithScanInterval(d time.Duration) ConnOption {
	return durationOption("scan interval", d, MinInterval, MaxInterval, func(cfg *ConnectionConfig) {
		cfg.scanInterval = d
	})
}

// WithSettleDelay sets the pause after releasing the session handle. Zero disables it.
func WithSettleDelay(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < 0 || d > MaxSettleDelay {
			return fmt.Errorf("link: settle delay %v out of range [0, %v]", d, MaxSettleDelay)
		}
		cfg.settleDelay = d

		return nil
	})
}

// WithPortPatterns restricts discovery to port names matching one of the
// filepath.Match patterns, e.g. "/dev/ttyUSB*" or "COM*".
func WithPortPatterns(patterns ...string) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		for _, p := range patterns {
			if _, err := filepath.Match(p, ""); err != nil {
				return fmt.Errorf("link: invalid port pattern %q: %w", p, err)
			}
		}
		cfg.portPatterns = append([]string(nil), patterns...)

		return nil
	})
}

// WithUSBOnly restricts discovery to USB serial adapters.
func WithUSBOnly(enabled bool) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.usbOnly = enabled
		return nil
	})
}

// WithBackend selects the serial library used to open ports.
func WithBackend(b Backend) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		switch b {
		case BackendBugst, BackendTarm:
			cfg.backend = b
			return nil
		default:
			return fmt.Errorf("link: unknown serial backend %q", b)
		}
	})
}

// WithPortOpener replaces the function used to open serial ports.
func WithPortOpener(opener PortOpener) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if opener == nil {
			return fmt.Errorf("link: port opener is nil")
		}
		cfg.opener = opener

		return nil
	})
}

// WithPortLister replaces the function used to enumerate serial ports.
func WithPortLister(lister PortLister) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if lister == nil {
			return fmt.Errorf("link: port lister is nil")
		}
		cfg.portLister = lister

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l == nil {
			return fmt.Errorf("link: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

func durationOption(name string, d, minD, maxD time.Duration, set func(*ConnectionConfig)) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < minD || d > maxD {
			return fmt.Errorf("link: %s %v out of range [%v, %v]", name, d, minD, maxD)
		}
		set(cfg)

		return nil
	})
}
