// Package config loads the YAML configuration of the link host tools and
// converts it to link connection options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/arloliu/go-link/link"
	"github.com/arloliu/go-link/logger"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
//
// Durations are written as Go duration strings, e.g. "5s" or "250ms".
type Config struct {
	AppTag    string          `yaml:"app_tag"`
	Serial    SerialConfig    `yaml:"serial"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// SerialConfig holds the port settings.
type SerialConfig struct {
	Backend      string        `yaml:"backend"`
	BaudRate     int           `yaml:"baud_rate"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KeepaliveConfig holds the watchdog settings.
type KeepaliveConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	LossThreshold time.Duration `yaml:"loss_threshold"`
	WatchdogTick  time.Duration `yaml:"watchdog_tick"`
}

// DiscoveryConfig holds the scanner settings.
type DiscoveryConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	PortPatterns []string      `yaml:"port_patterns"`
	USBOnly      bool          `yaml:"usb_only"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// BridgeConfig holds the MQTT event bridge settings.
type BridgeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		AppTag: link.AppTag,
		Serial: SerialConfig{
			Backend:      string(link.BackendBugst),
			BaudRate:     link.DefaultBaudRate,
			ReadTimeout:  link.DefaultReadTimeout,
			WriteTimeout: link.DefaultWriteTimeout,
		},
		Keepalive: KeepaliveConfig{
			PingInterval:  link.DefaultPingInterval,
			LossThreshold: link.DefaultLossThreshold,
			WatchdogTick:  link.DefaultWatchdogTick,
		},
		Discovery: DiscoveryConfig{
			ScanInterval: link.DefaultScanInterval,
			SettleDelay:  link.DefaultSettleDelay,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Bridge: BridgeConfig{
			Broker:         "tcp://127.0.0.1:1883",
			ClientID:       "linkctl",
			TopicPrefix:    "link",
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// LoadFile loads the YAML file at path over the defaults. An empty path
// returns the defaults.
func LoadFile(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes YAML data over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, err
	}

	cfg.normalize()

	return cfg, cfg.Validate()
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()

	if c.AppTag == "" {
		c.AppTag = def.AppTag
	}
	if c.Serial.Backend == "" {
		c.Serial.Backend = def.Serial.Backend
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout <= 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.WriteTimeout <= 0 {
		c.Serial.WriteTimeout = def.Serial.WriteTimeout
	}
	if c.Keepalive.PingInterval <= 0 {
		c.Keepalive.PingInterval = def.Keepalive.PingInterval
	}
	if c.Keepalive.LossThreshold <= 0 {
		c.Keepalive.LossThreshold = def.Keepalive.LossThreshold
	}
	if c.Keepalive.WatchdogTick <= 0 {
		c.Keepalive.WatchdogTick = def.Keepalive.WatchdogTick
	}
	if c.Discovery.ScanInterval <= 0 {
		c.Discovery.ScanInterval = def.Discovery.ScanInterval
	}
	if c.Discovery.SettleDelay < 0 {
		c.Discovery.SettleDelay = def.Discovery.SettleDelay
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Bridge.TopicPrefix == "" {
		c.Bridge.TopicPrefix = def.Bridge.TopicPrefix
	}
	if c.Bridge.ClientID == "" {
		c.Bridge.ClientID = def.Bridge.ClientID
	}
	if c.Bridge.ConnectTimeout <= 0 {
		c.Bridge.ConnectTimeout = def.Bridge.ConnectTimeout
	}
}

// Validate checks the values that the link options do not check themselves.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := c.logFormat(); err != nil {
		return err
	}
	if c.Keepalive.PingInterval >= c.Keepalive.LossThreshold {
		return fmt.Errorf("keepalive.ping_interval %v must be shorter than keepalive.loss_threshold %v",
			c.Keepalive.PingInterval, c.Keepalive.LossThreshold)
	}
	if c.Bridge.Enabled && c.Bridge.Broker == "" {
		return errors.New("bridge.broker is required when the bridge is enabled")
	}
	if c.Bridge.QoS > 2 {
		return fmt.Errorf("bridge.qos %d out of range [0, 2]", c.Bridge.QoS)
	}

	return nil
}

// ConnOptions converts the configuration to link options. l, if not nil, is
// passed with WithLogger.
func (c Config) ConnOptions(l logger.Logger) []link.ConnOption {
	opts := []link.ConnOption{
		link.WithAppTag(c.AppTag),
		link.WithBackend(link.Backend(c.Serial.Backend)),
		link.WithBaudRate(c.Serial.BaudRate),
		link.WithReadTimeout(c.Serial.ReadTimeout),
		link.WithWriteTimeout(c.Serial.WriteTimeout),
		link.WithPingInterval(c.Keepalive.PingInterval),
		link.WithLossThreshold(c.Keepalive.LossThreshold),
		link.WithWatchdogTick(c.Keepalive.WatchdogTick),
		link.WithScanInterval(c.Discovery.ScanInterval),
		link.WithSettleDelay(c.Discovery.SettleDelay),
		link.WithUSBOnly(c.Discovery.USBOnly),
	}

	if len(c.Discovery.PortPatterns) > 0 {
		opts = append(opts, link.WithPortPatterns(c.Discovery.PortPatterns...))
	}
	if l != nil {
		opts = append(opts, link.WithLogger(l))
	}

	return opts
}

// NewLogger creates the logger described by the log section.
func (c Config) NewLogger(w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	format, err := c.logFormat()
	if err != nil {
		return nil, err
	}

	return logger.NewSlogWithOutput(w, format, level, c.Log.AddSource), nil
}

func (c Config) logFormat() (logger.Format, error) {
	switch strings.ToLower(c.Log.Format) {
	case "auto":
		return logger.FormatAuto, nil
	case "json":
		return logger.FormatJSON, nil
	case "console":
		return logger.FormatConsole, nil
	default:
		return logger.FormatAuto, fmt.Errorf("log.format %q must be auto, json or console", c.Log.Format)
	}
}
