package southbound

import (
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// MockBroker runs an embedded github.com/mochi-mqtt/server/v2 instance so
// integration tests can exercise MQTTAdapter against a real broker without a
// network dependency, the MQTT counterpart to MockAdapter's pure in-process
// channel. It allows all connections and publishes, matching a local test
// fixture rather than a production broker.
type MockBroker struct {
	server *mochi.Server
	addr   string
}

// NewMockBroker starts a broker bound to addr (e.g. "127.0.0.1:0" to pick a
// free port, though callers generally want a fixed port so MQTTAdapter can
// dial it).
func NewMockBroker(addr string) (*MockBroker, error) {
	server := mochi.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("southbound: mock broker auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "mock", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("southbound: mock broker listener: %w", err)
	}

	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("southbound: mock broker serve: %w", err)
	}

	return &MockBroker{server: server, addr: addr}, nil
}

// Addr returns the broker's bound address, suitable for MQTTOptions.BrokerURL
// after prefixing with "tcp://".
func (b *MockBroker) Addr() string {
	return b.addr
}

// Close shuts the broker down.
func (b *MockBroker) Close() error {
	return b.server.Close()
}
