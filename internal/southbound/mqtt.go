package southbound

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/protocol"
)

// topicUp and topicDown follow the device/<id>/... topic convention.
// A device publishes control and audio frames to its up
// topics and subscribes to its down topics for commands.
const (
	topicUpControl   = "device/+/up/control"
	topicUpAudio     = "device/+/up/audio"
	topicDownControl = "device/%s/down/control"
)

// MQTTOptions configures the paho-backed Adapter.
type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Profiles  *ProfileStore
	Replay    *ReplayGuard
	Log       zerolog.Logger
}

// MQTTAdapter implements Adapter over github.com/eclipse/paho.mqtt.golang,
// subscribing to the device/<id>/up|down topic pair with profile-aware
// field normalization and replay protection.
type MQTTAdapter struct {
	opts   MQTTOptions
	conn   mqtt.Client
	events chan protocol.Envelope
	log    zerolog.Logger
}

// NewMQTTAdapter builds an adapter; Start performs the actual broker connect.
func NewMQTTAdapter(opts MQTTOptions) *MQTTAdapter {
	if opts.Profiles == nil {
		opts.Profiles = NewProfileStore()
	}
	if opts.Replay == nil {
		opts.Replay = NewReplayGuard(64, 5*time.Second)
	}
	return &MQTTAdapter{
		opts:   opts,
		events: make(chan protocol.Envelope, 256),
		log:    opts.Log,
	}
}

func (a *MQTTAdapter) Start(ctx context.Context) error {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(a.opts.BrokerURL).
		SetClientID(a.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if a.opts.Username != "" {
		clientOpts.SetUsername(a.opts.Username)
	}
	if a.opts.Password != "" {
		clientOpts.SetPassword(a.opts.Password)
	}

	a.conn = mqtt.NewClient(clientOpts)
	token := a.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return unavailablef("connect to %s: %v", a.opts.BrokerURL, err)
	}
	return nil
}

func (a *MQTTAdapter) Stop() error {
	if a.conn != nil {
		a.conn.Disconnect(1000)
	}
	close(a.events)
	return nil
}

func (a *MQTTAdapter) Events() <-chan protocol.Envelope {
	return a.events
}

// Send publishes a command to the device's down-control topic, denormalizing
// field names per the device's profile first.
func (a *MQTTAdapter) Send(ctx context.Context, env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	profile := a.opts.Profiles.Get(deviceProfileName(env.DeviceID))
	raw := profile.Denormalize(env)
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("southbound: marshal outbound command: %w", err)
	}
	topic := fmt.Sprintf(topicDownControl, env.DeviceID)
	token := a.conn.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (a *MQTTAdapter) onConnect(client mqtt.Client) {
	a.log.Info().Str("broker", a.opts.BrokerURL).Msg("mqtt southbound connected, subscribing")
	filters := map[string]byte{topicUpControl: 1, topicUpAudio: 1}
	token := client.SubscribeMultiple(filters, a.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		a.log.Error().Err(err).Msg("mqtt southbound subscribe failed")
	}
}

func (a *MQTTAdapter) onConnectionLost(_ mqtt.Client, err error) {
	a.log.Warn().Err(err).Msg("mqtt southbound connection lost, will auto-reconnect")
}

func (a *MQTTAdapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	var raw map[string]any
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		a.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping unparseable device message")
		return
	}

	profile := a.opts.Profiles.Get(deviceProfileName(deviceID))
	raw = profile.Normalize(raw)

	env, err := envelopeFromNormalized(raw)
	if err != nil {
		a.log.Warn().Err(err).Str("device_id", deviceID).Msg("dropping malformed device message")
		return
	}

	outcome := a.opts.Replay.Check(env.DeviceID, env.SessionID, env.Seq, env.TsMs, time.Now())
	if outcome == OutcomeReplayRejected {
		a.log.Warn().Str("device_id", env.DeviceID).Int64("seq", env.Seq).Msg("rejecting replayed message")
		return
	}
	// Duplicates still flow upstream; the runtime re-acks duplicate hello
	// and heartbeat events and drops other duplicates without re-processing.
	a.events <- env
}

// deviceIDFromTopic extracts the device id from "device/<id>/up/..." topics.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[0] == "device" {
		return parts[1]
	}
	return ""
}

// deviceProfileName is a placeholder lookup; real deployments resolve a
// device's profile from the binding store, wired in by the caller that
// constructs ProfileStore with per-device entries keyed by device_id prefix
// or registered hardware model.
func deviceProfileName(deviceID string) string {
	return "default"
}

func envelopeFromNormalized(raw map[string]any) (protocol.Envelope, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Unmarshal(data)
}
