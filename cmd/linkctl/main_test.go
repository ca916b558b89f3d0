package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-link/link"
)

func TestLoadConfig_Overrides(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "link.yaml")
	require.NoError(os.WriteFile(path, []byte("app_tag: WYVERN\nlog:\n  level: warn\n"), 0o600))

	cfg, err := loadConfig(options{
		configPath: path,
		logLevel:   "debug",
		patterns:   "/dev/ttyUSB*,/dev/ttyACM*",
		usbOnly:    true,
	})
	require.NoError(err)
	require.Equal("WYVERN", cfg.AppTag)
	require.Equal("debug", cfg.Log.Level)
	require.Equal([]string{"/dev/ttyUSB*", "/dev/ttyACM*"}, cfg.Discovery.PortPatterns)
	require.True(cfg.Discovery.USBOnly)

	_, err = loadConfig(options{logLevel: "chatty"})
	require.Error(err)
}

func TestPrintCandidates(t *testing.T) {
	var buf bytes.Buffer
	printCandidates(&buf, []link.CandidatePort{
		{PortName: "/dev/ttyUSB0", Identity: link.Identity{UID: "A1B2", Version: "1.4.0", Model: "DRAGON-X"}},
	})

	out := buf.String()
	require.Contains(t, out, "PORT")
	require.Contains(t, out, "/dev/ttyUSB0")
	require.Contains(t, out, "DRAGON-X")
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	require.Equal(t, 2, run(nil, os.Stdin, &stdout, &stderr))
	require.Contains(t, stderr.String(), "usage: linkctl")

	stderr.Reset()
	require.Equal(t, 2, run([]string{"-status", "nope", "list"}, os.Stdin, &stdout, &stderr))

	stderr.Reset()
	require.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "list"}, os.Stdin, &stdout, &stderr))
}
