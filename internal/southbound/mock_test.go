package southbound

import (
	"context"
	"reflect"
	"testing"

	"github.com/opencane/edge-runtime/internal/protocol"
)

func TestMockAdapterInjectAndEvents(t *testing.T) {
	m := NewMockAdapter(4)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := protocol.Envelope{
		Direction: protocol.DirectionEvent,
		Type:      protocol.TypeHello,
		DeviceID:  "d1",
		SessionID: "s1",
	}
	m.Inject(want)

	got := <-m.Events()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Events() = %+v, want %+v", got, want)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestMockAdapterSendRecordsCommands(t *testing.T) {
	m := NewMockAdapter(1)
	ctx := context.Background()

	if _, ok := m.LastSent(); ok {
		t.Fatal("LastSent() should report false before any Send")
	}

	env := protocol.Envelope{Direction: protocol.DirectionCommand, Type: protocol.TypeAck, DeviceID: "d1", SessionID: "s1"}
	if err := m.Send(ctx, env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	last, ok := m.LastSent()
	if !ok || last != env {
		t.Errorf("LastSent() = %+v, %v; want %+v, true", last, ok, env)
	}
	if len(m.Sent()) != 1 {
		t.Errorf("Sent() len = %d, want 1", len(m.Sent()))
	}
}
