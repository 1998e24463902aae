package southbound

import (
	"context"
	"sync"

	"github.com/opencane/edge-runtime/internal/protocol"
)

// MockAdapter is an in-process Adapter for tests and local development: Inject
// feeds synthetic device events into Events(), and Send captures outbound
// commands for assertion instead of putting them on a wire. It carries no
// broker of its own; MockBroker (mockbroker.go) wraps one for integration-style tests
// that want a real MQTT round trip without a network.
type MockAdapter struct {
	mu      sync.Mutex
	events  chan protocol.Envelope
	sent    []protocol.Envelope
	started bool
	stopped bool
}

// NewMockAdapter creates a MockAdapter with the given inbound buffer size.
func NewMockAdapter(buffer int) *MockAdapter {
	if buffer <= 0 {
		buffer = 16
	}
	return &MockAdapter{events: make(chan protocol.Envelope, buffer)}
}

func (m *MockAdapter) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *MockAdapter) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.events)
	return nil
}

func (m *MockAdapter) Events() <-chan protocol.Envelope {
	return m.events
}

// Send records the outbound envelope. Tests read it back via Sent.
func (m *MockAdapter) Send(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, env)
	return nil
}

// Inject pushes a synthetic inbound envelope as if it arrived from a device.
// It panics if called after Stop, same as sending on a closed channel would;
// callers own sequencing their own test.
func (m *MockAdapter) Inject(env protocol.Envelope) {
	m.events <- env
}

// Sent returns a snapshot of every envelope passed to Send so far.
func (m *MockAdapter) Sent() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent envelope passed to Send, or the zero
// value and false if none has been sent yet.
func (m *MockAdapter) LastSent() (protocol.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return protocol.Envelope{}, false
	}
	return m.sent[len(m.sent)-1], true
}
