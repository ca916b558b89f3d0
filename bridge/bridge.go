// Package bridge publishes link events to an MQTT broker and accepts remote
// connect, disconnect, select and rescan requests.
//
// Topics, below the configured prefix:
//
//	<prefix>/status      "online" or "offline" (retained, last will)
//	<prefix>/state       state changes (retained)
//	<prefix>/candidates  candidate list (retained)
//	<prefix>/identity    identity of the connected device (retained)
//	<prefix>/terminal    trace lines
//	<prefix>/cmd         requests, see Command
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/arloliu/go-link/config"
	"github.com/arloliu/go-link/link"
	"github.com/arloliu/go-link/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	statusOnline  = "online"
	statusOffline = "offline"

	// commandTimeout bounds a remote connect request, including the wait for
	// a running scan cycle.
	commandTimeout = 30 * time.Second

	disconnectQuiesceMs = 250
)

// Controller is the part of link.Controller used by the bridge.
type Controller interface {
	OnStateChange(h link.StateChangeHandler)
	OnCandidates(h link.CandidatesChangedHandler)
	OnTerminal(h link.TerminalHandler)
	OnIdentity(h link.IdentityHandler)

	Connect(ctx context.Context, credential string) error
	Disconnect() error
	Select(portName string) error
	Rescan(ctx context.Context) ([]link.CandidatePort, error)
}

var _ Controller = (*link.Controller)(nil)

// StatePayload is published on <prefix>/state.
type StatePayload struct {
	State  string    `json:"state"`
	Prev   string    `json:"prev"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// CandidatePayload is one entry published on <prefix>/candidates and the
// payload of <prefix>/identity.
type CandidatePayload struct {
	Port    string `json:"port"`
	UID     string `json:"uid"`
	Version string `json:"version"`
	Model   string `json:"model"`
}

// TerminalPayload is published on <prefix>/terminal.
type TerminalPayload struct {
	Line string    `json:"line"`
	Time time.Time `json:"time"`
}

// Command is a request received on <prefix>/cmd.
//
// Action is one of "connect", "disconnect", "select" and "rescan". Port is
// used by select and, when set, by connect to select the candidate first.
type Command struct {
	Action     string `json:"action"`
	Port       string `json:"port,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Bridge relays link events to MQTT.
type Bridge struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  logger.Logger

	mu       sync.Mutex
	ctrl     Controller
	closed   bool
	inflight sync.WaitGroup
}

// NewClient creates a paho client from cfg. The client announces the bridge
// status with a retained last will.
func NewClient(cfg config.BridgeConfig, l logger.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetWill(cfg.TopicPrefix+"/status", statusOffline, cfg.QoS, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.Warn("bridge: broker connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		l.Info("bridge: reconnecting", "broker", cfg.Broker)
	})

	return mqtt.NewClient(opts)
}

// New creates a Bridge publishing through client under prefix.
func New(client mqtt.Client, cfg config.BridgeConfig, l logger.Logger) *Bridge {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Bridge{
		client:  client,
		prefix:  cfg.TopicPrefix,
		qos:     cfg.QoS,
		timeout: cfg.ConnectTimeout,
		logger:  l.With("component", "bridge"),
	}
}

// Connect connects to the broker, publishes the online status and
// subscribes to the command topic.
func (b *Bridge) Connect() error {
	if err := b.wait(b.client.Connect()); err != nil {
		return fmt.Errorf("bridge: connect: %w", err)
	}

	if err := b.wait(b.client.Publish(b.topic("status"), b.qos, true, statusOnline)); err != nil {
		return fmt.Errorf("bridge: publish status: %w", err)
	}

	if err := b.wait(b.client.Subscribe(b.topic("cmd"), b.qos, b.onCommand)); err != nil {
		return fmt.Errorf("bridge: subscribe: %w", err)
	}

	b.logger.Info("bridge: connected", "prefix", b.prefix)

	return nil
}

// Attach registers the bridge on ctrl's events and routes commands to it.
func (b *Bridge) Attach(ctrl Controller) {
	b.mu.Lock()
	b.ctrl = ctrl
	b.mu.Unlock()

	ctrl.OnStateChange(b.publishState)
	ctrl.OnCandidates(b.publishCandidates)
	ctrl.OnIdentity(b.publishIdentity)
	ctrl.OnTerminal(b.publishTerminal)
}

// Close stops accepting remote commands, waits for the ones in progress,
// publishes the offline status and disconnects.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	if b.client.IsConnected() {
		if err := b.wait(b.client.Unsubscribe(b.topic("cmd"))); err != nil {
			b.logger.Warn("bridge: unsubscribe failed", "error", err)
		}
	}
	b.inflight.Wait()

	if b.client.IsConnected() {
		if err := b.wait(b.client.Publish(b.topic("status"), b.qos, true, statusOffline)); err != nil {
			b.logger.Warn("bridge: publish status failed", "error", err)
		}
	}
	b.client.Disconnect(disconnectQuiesceMs)
}

func (b *Bridge) publishState(change link.StateChange) {
	payload := StatePayload{
		State:  change.State.String(),
		Prev:   change.Prev.String(),
		Reason: link.Reason(change.Reason),
		Time:   time.Now().UTC(),
	}
	if change.Reason != nil {
		payload.Error = change.Reason.Error()
	}

	b.publish("state", true, payload)
}

func (b *Bridge) publishCandidates(candidates []link.CandidatePort) {
	payload := make([]CandidatePayload, 0, len(candidates))
	for _, c := range candidates {
		payload = append(payload, toCandidatePayload(c))
	}

	b.publish("candidates", true, payload)
}

func (b *Bridge) publishIdentity(candidate link.CandidatePort) {
	b.publish("identity", true, toCandidatePayload(candidate))
}

func (b *Bridge) publishTerminal(line string) {
	b.publish("terminal", false, TerminalPayload{Line: line, Time: time.Now().UTC()})
}

// publish does not wait for the broker; it runs on the event dispatcher.
func (b *Bridge) publish(sub string, retained bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("bridge: encode payload failed", "topic", sub, "error", err)
		return
	}

	topic := b.topic(sub)
	token := b.client.Publish(topic, b.qos, retained, data)

	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			b.logger.Warn("bridge: publish failed", "topic", topic, "error", err)
		}
	}()
}

func (b *Bridge) onCommand(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		b.logger.Warn("bridge: invalid command", "error", err)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ctrl := b.ctrl
	if ctrl == nil {
		b.mu.Unlock()
		b.logger.Warn("bridge: command before attach", "action", cmd.Action)
		return
	}
	// Add under mu so that Close never waits concurrently with it
	b.inflight.Add(1)
	b.mu.Unlock()

	// connect blocks for up to the I/O timeouts; keep the paho router free
	go func() {
		defer b.inflight.Done()

		if err := b.execute(ctrl, cmd); err != nil {
			b.logger.Warn("bridge: command failed", "action", cmd.Action, "reason", link.Reason(err), "error", err)
			b.publishTerminal(fmt.Sprintf("Remote %s failed: %v", cmd.Action, err))
		}
	}()
}

func (b *Bridge) execute(ctrl Controller, cmd Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Action {
	case "connect":
		if cmd.Port != "" {
			if err := ctrl.Select(cmd.Port); err != nil {
				return err
			}
		}
		return ctrl.Connect(ctx, cmd.Credential)
	case "disconnect":
		return ctrl.Disconnect()
	case "select":
		return ctrl.Select(cmd.Port)
	case "rescan":
		_, err := ctrl.Rescan(ctx)
		return err
	default:
		return fmt.Errorf("bridge: unknown action %q", cmd.Action)
	}
}

func (b *Bridge) topic(sub string) string {
	return b.prefix + "/" + sub
}

func (b *Bridge) wait(token mqtt.Token) error {
	if !token.WaitTimeout(b.timeout) {
		return errors.New("timed out")
	}

	return token.Error()
}

func toCandidatePayload(c link.CandidatePort) CandidatePayload {
	return CandidatePayload{Port: c.PortName, UID: c.UID, Version: c.Version, Model: c.Model}
}
