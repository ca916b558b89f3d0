package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{" error ", ErrorLevel, false},
		{"fatal", FatalLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, level)
		})
	}
}

func TestSlogLoggerJSON(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWithOutput(&buf, FormatJSON, InfoLevel, false)

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("port", "COM3").Info("probe ok", "uid", "A1")

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("probe ok", rec["msg"])
	require.Equal("COM3", rec["port"])
	require.Equal("A1", rec["uid"])
	require.Contains(rec, "ts")

	buf.Reset()
	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, l.Level())
	l.Debug("visible")
	require.NotZero(buf.Len())
}

func TestPermissiveMockLogger(t *testing.T) {
	m := NewPermissiveMockLogger()
	m.Info("connected", "port", "COM3")
	m.With("a", 1).Warn("x")

	m.AssertCalled(t, "Info", "connected", []any{"port", "COM3"})
	m.AssertCalled(t, "Warn", "x", []any(nil))
}
