package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-link/config"
	"github.com/arloliu/go-link/link"
	"github.com/arloliu/go-link/logger"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)

	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient implements the subset of mqtt.Client used by the bridge.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	publishes  []published
	handlers   map[string]mqtt.MessageHandler
	connectErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil

	return newFakeToken(c.connectErr)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	}
	c.publishes = append(c.publishes, published{topic: topic, retained: retained, payload: data})

	return newFakeToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb

	return newFakeToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}

	return newFakeToken(nil)
}

func (c *fakeClient) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.handlers[topic]
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.handlers[topic]
	c.mu.Unlock()

	cb(c, &fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.publishes) - 1; i >= 0; i-- {
		if c.publishes[i].topic == topic {
			return c.publishes[i], true
		}
	}

	return published{}, false
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

// mockController records handler registrations and command calls.
type mockController struct {
	mock.Mock

	state      link.StateChangeHandler
	candidates link.CandidatesChangedHandler
	terminal   link.TerminalHandler
	identity   link.IdentityHandler
}

func (m *mockController) OnStateChange(h link.StateChangeHandler)        { m.state = h }
func (m *mockController) OnCandidates(h link.CandidatesChangedHandler) { m.candidates = h }
func (m *mockController) OnTerminal(h link.TerminalHandler)            { m.terminal = h }
func (m *mockController) OnIdentity(h link.IdentityHandler)            { m.identity = h }

func (m *mockController) Connect(_ context.Context, credential string) error {
	return m.Called(credential).Error(0)
}

func (m *mockController) Disconnect() error {
	return m.Called().Error(0)
}

func (m *mockController) Select(portName string) error {
	return m.Called(portName).Error(0)
}

func (m *mockController) Rescan(context.Context) ([]link.CandidatePort, error) {
	args := m.Called()
	return nil, args.Error(0)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *mockController) {
	t.Helper()

	cfg := config.DefaultConfig().Bridge
	cfg.TopicPrefix = "lab/link"

	client := newFakeClient()
	b := New(client, cfg, logger.NewPermissiveMockLogger())
	require.NoError(t, b.Connect())

	ctrl := &mockController{}
	b.Attach(ctrl)

	return b, client, ctrl
}

func TestBridge_Connect(t *testing.T) {
	require := require.New(t)

	_, client, _ := newTestBridge(t)

	status, ok := client.last("lab/link/status")
	require.True(ok)
	require.True(status.retained)
	require.Equal("online", string(status.payload))
	require.Contains(client.handlers, "lab/link/cmd")
}

func TestBridge_ConnectFailure(t *testing.T) {
	client := newFakeClient()
	client.connectErr = errors.New("connection refused")

	b := New(client, config.DefaultConfig().Bridge, logger.NewPermissiveMockLogger())
	require.ErrorContains(t, b.Connect(), "connection refused")
}

func TestBridge_PublishEvents(t *testing.T) {
	require := require.New(t)

	_, client, ctrl := newTestBridge(t)

	ctrl.state(link.StateChange{
		Prev:   link.Connecting,
		State:  link.Disconnected,
		Reason: &link.RejectionError{Code: link.CodeStartNOK},
	})
	msg, ok := client.last("lab/link/state")
	require.True(ok)
	require.True(msg.retained)

	var state StatePayload
	require.NoError(json.Unmarshal(msg.payload, &state))
	require.Equal("disconnected", state.State)
	require.Equal("connecting", state.Prev)
	require.Equal("ProtocolRejection(START_NOK)", state.Reason)
	require.NotEmpty(state.Error)

	candidates := []link.CandidatePort{
		{PortName: "COM3", Identity: link.Identity{UID: "U1", Version: "1.0", Model: "X"}},
		{PortName: "COM4", Identity: link.Identity{UID: "U2", Version: "2.0", Model: "Y"}},
	}
	ctrl.candidates(candidates)
	msg, ok = client.last("lab/link/candidates")
	require.True(ok)

	var list []CandidatePayload
	require.NoError(json.Unmarshal(msg.payload, &list))
	require.Equal([]CandidatePayload{
		{Port: "COM3", UID: "U1", Version: "1.0", Model: "X"},
		{Port: "COM4", UID: "U2", Version: "2.0", Model: "Y"},
	}, list)

	ctrl.identity(candidates[0])
	msg, ok = client.last("lab/link/identity")
	require.True(ok)
	require.JSONEq(`{"port":"COM3","uid":"U1","version":"1.0","model":"X"}`, string(msg.payload))

	ctrl.terminal("Connected to COM3 | U1")
	msg, ok = client.last("lab/link/terminal")
	require.True(ok)
	require.False(msg.retained)

	var line TerminalPayload
	require.NoError(json.Unmarshal(msg.payload, &line))
	require.Equal("Connected to COM3 | U1", line.Line)
}

func TestBridge_Commands(t *testing.T) {
	require := require.New(t)

	b, client, ctrl := newTestBridge(t)

	ctrl.On("Select", "COM3").Return(nil)
	ctrl.On("Connect", "secret").Return(nil)
	ctrl.On("Disconnect").Return(nil)
	ctrl.On("Rescan").Return(nil)

	client.deliver("lab/link/cmd", []byte(`{"action":"connect","port":"COM3","credential":"secret"}`))
	client.deliver("lab/link/cmd", []byte(`{"action":"rescan"}`))
	client.deliver("lab/link/cmd", []byte(`{"action":"disconnect"}`))
	b.inflight.Wait()

	ctrl.AssertCalled(t, "Select", "COM3")
	ctrl.AssertCalled(t, "Connect", "secret")
	ctrl.AssertCalled(t, "Rescan")
	ctrl.AssertCalled(t, "Disconnect")

	// malformed or unknown requests do not reach the controller
	client.deliver("lab/link/cmd", []byte(`{not json`))
	client.deliver("lab/link/cmd", []byte(`{"action":"reboot"}`))
	b.inflight.Wait()
	ctrl.AssertNumberOfCalls(t, "Disconnect", 1)

	msg, ok := client.last("lab/link/terminal")
	require.True(ok)
	require.Contains(string(msg.payload), "reboot")
}

func TestBridge_CommandFailure(t *testing.T) {
	b, client, ctrl := newTestBridge(t)

	ctrl.On("Select", "COM9").Return(link.ErrNoCandidate)

	client.deliver("lab/link/cmd", []byte(`{"action":"connect","port":"COM9","credential":"secret"}`))
	b.inflight.Wait()

	ctrl.AssertNotCalled(t, "Connect", mock.Anything)
	msg, ok := client.last("lab/link/terminal")
	require.True(t, ok)
	require.Contains(t, string(msg.payload), "Remote connect failed")
}

func TestBridge_Close(t *testing.T) {
	require := require.New(t)

	b, client, _ := newTestBridge(t)
	b.Close()

	status, ok := client.last("lab/link/status")
	require.True(ok)
	require.Equal("offline", string(status.payload))
	require.False(client.IsConnected())
}

func TestBridge_CommandAfterClose(t *testing.T) {
	require := require.New(t)

	b, client, ctrl := newTestBridge(t)
	onCommand := client.handler("lab/link/cmd")
	require.NotNil(onCommand)

	b.Close()
	require.Nil(client.handler("lab/link/cmd"))

	// a message already routed by the client when Close ran
	onCommand(client, &fakeMessage{topic: "lab/link/cmd", payload: []byte(`{"action":"disconnect"}`)})
	b.inflight.Wait()
	ctrl.AssertNotCalled(t, "Disconnect")

	b.Close()
}
