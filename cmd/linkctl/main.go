// Command linkctl discovers LINK devices on the serial ports of the host and
// opens a session with one of them.
//
// Usage:
//
//	linkctl [flags] list              probe all ports once and print the devices
//	linkctl [flags] connect [PORT]    connect, show trace lines until Ctrl-C, then disconnect
//	linkctl [flags] watch             print candidate list changes until Ctrl-C
//
// The credential is read from the LINK_CREDENTIAL environment variable or
// prompted for without echo.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/arloliu/go-link/bridge"
	"github.com/arloliu/go-link/config"
	"github.com/arloliu/go-link/link"
	"github.com/arloliu/go-link/logger"
)

const credentialEnv = "LINK_CREDENTIAL"

type options struct {
	configPath string
	logLevel   string
	appTag     string
	patterns   string
	usbOnly    bool
	status     time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("linkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	fs.StringVar(&opts.appTag, "app", "", "override application tag of the LINK prefix")
	fs.StringVar(&opts.patterns, "ports", "", "comma separated port name patterns, e.g. /dev/ttyUSB*")
	fs.BoolVar(&opts.usbOnly, "usb", false, "probe USB serial adapters only")
	fs.DurationVar(&opts.status, "status", 10*time.Second, "session status interval while connected, 0 disables")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: linkctl [flags] list | connect [PORT] | watch")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	log, err := cfg.NewLogger(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	connCfg, err := link.NewConnectionConfig(cfg.ConnOptions(log)...)
	if err != nil {
		log.Error("invalid link configuration", "error", err)
		return 1
	}

	// the engine outlives the signal context so that teardown events are still delivered
	engineCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, err := link.NewController(engineCtx, connCfg)
	if err != nil {
		log.Error("failed to create controller", "error", err)
		return 1
	}
	defer func() { _ = ctrl.Close() }()

	if cfg.Bridge.Enabled {
		b := bridge.New(bridge.NewClient(cfg.Bridge, log), cfg.Bridge, log)
		if err := b.Connect(); err != nil {
			log.Error("failed to start MQTT bridge", "error", err)
			return 1
		}
		b.Attach(ctrl)
		// the controller closes first so that its final state reaches the broker
		defer func() {
			_ = ctrl.Close()
			b.Close()
		}()
	}

	switch cmd := fs.Arg(0); cmd {
	case "list":
		err = list(ctx, ctrl, stdout)
	case "connect":
		err = connect(ctx, ctrl, fs.Arg(1), stdin, stdout, opts.status)
	case "watch":
		err = watch(ctx, ctrl, stdout)
	default:
		fs.Usage()
		return 2
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "linkctl:", err)
		return 1
	}

	return 0
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return cfg, err
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.appTag != "" {
		cfg.AppTag = opts.appTag
	}
	if opts.patterns != "" {
		cfg.Discovery.PortPatterns = strings.Split(opts.patterns, ",")
	}
	if opts.usbOnly {
		cfg.Discovery.USBOnly = true
	}

	return cfg, cfg.Validate()
}

func list(ctx context.Context, ctrl *link.Controller, w io.Writer) error {
	begin := time.Now()

	candidates, err := ctrl.Rescan(ctx)
	if err != nil {
		return err
	}

	printCandidates(w, candidates)
	fmt.Fprintf(w, "%s device(s) found, scan took %s\n",
		humanize.Comma(int64(len(candidates))), time.Since(begin).Round(time.Millisecond))

	return nil
}

func watch(ctx context.Context, ctrl *link.Controller, w io.Writer) error {
	ctrl.OnCandidates(func(candidates []link.CandidatePort) {
		fmt.Fprintf(w, "\n[%s]\n", time.Now().Format(time.TimeOnly))
		printCandidates(w, candidates)
	})
	ctrl.OnTerminal(func(line string) {
		fmt.Fprintln(w, line)
	})

	if err := ctrl.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	return ctx.Err()
}

func connect(ctx context.Context, ctrl *link.Controller, port string, stdin *os.File, w io.Writer, statusEvery time.Duration) error {
	candidates, err := ctrl.Rescan(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return link.ErrNoCandidate
	}

	if port == "" {
		port = candidates[0].PortName
	}
	if err := ctrl.Select(port); err != nil {
		return err
	}

	credential, err := readCredential(stdin, w)
	if err != nil {
		return err
	}

	lost := make(chan struct{}, 1)
	ctrl.OnTerminal(func(line string) {
		fmt.Fprintf(w, "%s  %s\n", time.Now().Format(time.TimeOnly), line)
	})
	ctrl.OnStateChange(func(change link.StateChange) {
		if change.State == link.Disconnected && change.Prev == link.Disconnecting && errors.Is(change.Reason, link.ErrLinkLost) {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})

	if err := ctrl.Connect(ctx, credential); err != nil {
		return fmt.Errorf("connect %s: %s: %w", port, link.Reason(err), err)
	}

	var tick <-chan time.Time
	if statusEvery > 0 {
		ticker := time.NewTicker(statusEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctrl.Disconnect()
		case <-lost:
			return link.ErrLinkLost
		case <-tick:
			printSession(w, ctrl)
		}
	}
}

func readCredential(stdin *os.File, w io.Writer) (string, error) {
	if v := os.Getenv(credentialEnv); v != "" {
		return v, nil
	}

	fd := int(stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(w, "Credential: ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("read credential: %w", err)
		}

		return string(secret), nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read credential: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func printCandidates(w io.Writer, candidates []link.CandidatePort) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUID\tVERSION\tMODEL")
	for _, c := range candidates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.PortName, c.UID, c.Version, c.Model)
	}
	_ = tw.Flush()
}

func printSession(w io.Writer, ctrl *link.Controller) {
	info, ok := ctrl.Session()
	if !ok {
		fmt.Fprintf(w, "state %s\n", info.State)
		return
	}

	m := ctrl.GetMetrics()
	fmt.Fprintf(w, "state %s on %s, up since %s, last reply %s, %s pings, %s lines\n",
		info.State,
		info.Candidate,
		humanize.Time(info.StartedAt),
		humanize.Time(info.LastResponseReceivedAt),
		humanize.Comma(int64(m.PingSendCount.Load())),
		humanize.Comma(int64(m.LineRecvCount.Load())),
	)
}
