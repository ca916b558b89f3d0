package link

import (
	"testing"
	"time"

	"github.com/arloliu/go-link/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectionConfig_Defaults(t *testing.T) {
	cfg, err := NewConnectionConfig()
	require.NoError(t, err)

	assert.Equal(t, "DRAGON", cfg.AppTag())
	assert.Equal(t, 115200, cfg.BaudRate())
	assert.Equal(t, 5000*time.Millisecond, cfg.ReadTimeout())
	assert.Equal(t, 3000*time.Millisecond, cfg.WriteTimeout())
	assert.Equal(t, 4*time.Second, cfg.PingInterval())
	assert.Equal(t, 5*time.Second, cfg.LossThreshold())
	assert.Equal(t, time.Second, cfg.WatchdogTick())
	assert.Equal(t, 2*time.Second, cfg.ScanInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.SettleDelay())
	assert.Equal(t, BackendBugst, cfg.Backend())
	assert.False(t, cfg.USBOnly())
	assert.Empty(t, cfg.PortPatterns())
	assert.Equal(t, "LINKDRAGON", cfg.Codec().Prefix())

	assert.NotNil(t, cfg.GetLogger())
	assert.NotNil(t, cfg.opener)
	assert.NotNil(t, cfg.portLister)
}

func TestNewConnectionConfig_WithOptions(t *testing.T) {
	l := logger.NewPermissiveMockLogger()

	cfg, err := NewConnectionConfig(
		WithAppTag("WYVERN"),
		WithBaudRate(9600),
		WithReadTimeout(time.Second),
		WithWriteTimeout(500*time.Millisecond),
		WithPingInterval(2*time.Second),
		WithLossThreshold(3*time.Second),
		WithWatchdogTick(250*time.Millisecond),
		WithScanInterval(10*time.Second),
		WithSettleDelay(0),
		WithPortPatterns("/dev/ttyUSB*", "COM*"),
		WithUSBOnly(true),
		WithBackend(BackendTarm),
		WithLogger(l),
	)
	require.NoError(t, err)

	assert.Equal(t, "WYVERN", cfg.AppTag())
	assert.Equal(t, "LINKWYVERN", cfg.Codec().Prefix())
	assert.Equal(t, 9600, cfg.BaudRate())
	assert.Equal(t, time.Second, cfg.ReadTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.WriteTimeout())
	assert.Equal(t, 2*time.Second, cfg.PingInterval())
	assert.Equal(t, 3*time.Second, cfg.LossThreshold())
	assert.Equal(t, 250*time.Millisecond, cfg.WatchdogTick())
	assert.Equal(t, 10*time.Second, cfg.ScanInterval())
	assert.Zero(t, cfg.SettleDelay())
	assert.Equal(t, []string{"/dev/ttyUSB*", "COM*"}, cfg.PortPatterns())
	assert.True(t, cfg.USBOnly())
	assert.Equal(t, BackendTarm, cfg.Backend())
	assert.Same(t, l, cfg.GetLogger())
}

func TestNewConnectionConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts []ConnOption
	}{
		{"empty app tag", []ConnOption{WithAppTag("")}},
		{"app tag with separator", []ConnOption{WithAppTag("A:B")}},
		{"zero baud rate", []ConnOption{WithBaudRate(0)}},
		{"read timeout too short", []ConnOption{WithReadTimeout(time.Millisecond)}},
		{"write timeout too long", []ConnOption{WithWriteTimeout(2 * time.Minute)}},
		{"ping interval zero", []ConnOption{WithPingInterval(0)}},
		{"watchdog tick too long", []ConnOption{WithWatchdogTick(time.Hour)}},
		{"negative settle delay", []ConnOption{WithSettleDelay(-time.Millisecond)}},
		{"settle delay too long", []ConnOption{WithSettleDelay(time.Minute)}},
		{"unknown backend", []ConnOption{WithBackend("libusb")}},
		{"nil opener", []ConnOption{WithPortOpener(nil)}},
		{"nil lister", []ConnOption{WithPortLister(nil)}},
		{"nil logger", []ConnOption{WithLogger(nil)}},
		{"ping not below loss", []ConnOption{WithPingInterval(5 * time.Second), WithLossThreshold(5 * time.Second)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnectionConfig(tt.opts...)
			require.Error(t, err)
		})
	}
}

func TestConnectionConfig_MatchPort(t *testing.T) {
	cfg, err := NewConnectionConfig()
	require.NoError(t, err)
	assert.True(t, cfg.matchPort("/dev/ttyS0"), "no pattern matches everything")

	cfg, err = NewConnectionConfig(WithPortPatterns("/dev/ttyUSB*", "/dev/ttyACM?", "COM*"))
	require.NoError(t, err)

	assert.True(t, cfg.matchPort("/dev/ttyUSB0"))
	assert.True(t, cfg.matchPort("/dev/ttyACM1"))
	assert.True(t, cfg.matchPort("COM12"))
	assert.False(t, cfg.matchPort("/dev/ttyACM10"))
	assert.False(t, cfg.matchPort("/dev/ttyS0"))
}
