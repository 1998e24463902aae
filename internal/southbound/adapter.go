// Package southbound terminates the device transport (MQTT, WebSocket, or an
// in-memory mock) and presents the runtime with a transport-independent
// stream of canonical envelopes plus an outbound submit operation.
package southbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencane/edge-runtime/internal/protocol"
)

// ErrTransportUnavailable is returned by Start when the underlying link
// cannot be established (broker unreachable, socket bind failed, ...).
var ErrTransportUnavailable = errors.New("southbound: transport unavailable")

// Adapter is the southbound contract every transport driver implements.
// Start/Stop bracket the adapter's lifetime; Events produces a lazy, finite
// sequence of inbound envelopes that terminates when Stop is called and is
// not restartable afterward. Send is fire-and-forget and must preserve
// per-device submission order.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan protocol.Envelope
	Send(ctx context.Context, env protocol.Envelope) error
}

// Ack is sugar over Send for the runtime→device ack command.
func Ack(ctx context.Context, a Adapter, deviceID, sessionID string, seq int64, ackSeq int64) error {
	return a.Send(ctx, protocol.Envelope{
		Direction: protocol.DirectionCommand,
		Type:      protocol.TypeAck,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		Payload:   protocol.Payload{"ack_seq": ackSeq},
	})
}

// CloseSession is sugar over Send for the runtime→device close command.
func CloseSession(ctx context.Context, a Adapter, deviceID, sessionID string, seq int64, reason string) error {
	return a.Send(ctx, protocol.Envelope{
		Direction: protocol.DirectionCommand,
		Type:      protocol.TypeClose,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		Payload:   protocol.Payload{"reason": reason},
	})
}

func unavailablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransportUnavailable, fmt.Sprintf(format, args...))
}
