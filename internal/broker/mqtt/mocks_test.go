package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-kafka-bridge/internal/relay"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// NewPendingToken returns a token that never completes.
func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Wait() bool {
	<-t.done
	return true
}

func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *MockToken) Error() error          { return t.err }
func (t *MockToken) Done() <-chan struct{} { return t.done }

// MockClient implements mqtt.Client for testing
type MockClient struct {
	opts *mqtt.ClientOptions

	connectToken   mqtt.Token
	subscribeToken mqtt.Token

	connected   atomic.Bool
	disconnects atomic.Int32

	mu       sync.Mutex
	topics   map[string]byte
	callback mqtt.MessageHandler
}

func NewMockClient(opts *mqtt.ClientOptions) *MockClient {
	return &MockClient{
		opts:   opts,
		topics: make(map[string]byte),
	}
}

func (m *MockClient) Connect() mqtt.Token {
	if m.connectToken != nil {
		return m.connectToken
	}
	m.connected.Store(true)
	return NewMockToken(nil)
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.disconnects.Add(1)
	m.connected.Store(false)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	if m.subscribeToken != nil {
		return m.subscribeToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = qos
	m.callback = callback
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token      { return NewMockToken(nil) }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                               { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                          { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader         { return mqtt.ClientOptionsReader{} }

// deliver invokes the subscription callback the way paho's router would.
func (m *MockClient) deliver(msg mqtt.Message) {
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	cb(m, msg)
}

// deliverUnrouted hands msg to the default publish handler, as paho does for
// topics no local subscription matches.
func (m *MockClient) deliverUnrouted(msg mqtt.Message) {
	m.opts.DefaultPublishHandler(m, msg)
}

// dropConnection fires the connection lost handler registered in the options.
func (m *MockClient) dropConnection(err error) {
	m.connected.Store(false)
	m.opts.OnConnectionLost(m, err)
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic     string
	payload   []byte
	qos       byte
	duplicate bool
	id        uint16
	acks      atomic.Int32
}

func (m *MockMessage) Duplicate() bool   { return m.duplicate }
func (m *MockMessage) Qos() byte         { return m.qos }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return m.id }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              { m.acks.Add(1) }

// recordingHandler implements relay.Handler for testing
type recordingHandler struct {
	mu       sync.Mutex
	messages []relay.InboundMessage
	lost     []error
	onMsg    func(relay.InboundMessage)
}

func (h *recordingHandler) HandleMessage(msg relay.InboundMessage) {
	if h.onMsg != nil {
		h.onMsg(msg)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleConnectionLost(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, err)
}

func (h *recordingHandler) received() []relay.InboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]relay.InboundMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *recordingHandler) lostCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lost)
}
