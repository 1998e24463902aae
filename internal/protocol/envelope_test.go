package protocol

import (
	"reflect"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid event", Envelope{Direction: DirectionEvent, Type: TypeHello, DeviceID: "d1", SessionID: "s1", Seq: 0}, false},
		{"missing device", Envelope{Direction: DirectionEvent, SessionID: "s1"}, true},
		{"missing session", Envelope{Direction: DirectionEvent, DeviceID: "d1"}, true},
		{"negative seq", Envelope{Direction: DirectionEvent, DeviceID: "d1", SessionID: "s1", Seq: -1}, true},
		{"bad direction", Envelope{Direction: "sideways", DeviceID: "d1", SessionID: "s1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAudioChunkFrom(t *testing.T) {
	p := Payload{"text": "hello", "chunk_index": float64(2), "encoding": "pcm16"}
	ac := AudioChunkFrom(p)
	if ac.Text != "hello" || ac.ChunkIndex != 2 || ac.Encoding != "pcm16" {
		t.Errorf("AudioChunkFrom() = %+v", ac)
	}
}

func TestTTSChunkPayloadModesAreExclusive(t *testing.T) {
	text := TTSChunkPayload(TTSModeDeviceText, "hi", "", "", 0)
	if _, ok := text["audio_b64"]; ok {
		t.Error("device_text payload must not carry audio_b64")
	}
	audio := TTSChunkPayload(TTSModeServerAudio, "", "YWJj", "pcm16", 16000)
	if _, ok := audio["text"]; ok {
		t.Error("server_audio payload must not carry text")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	e := Envelope{
		Direction: DirectionEvent,
		Type:      TypeHeartbeat,
		DeviceID:  "d1",
		SessionID: "s1",
		Seq:       4,
		TsMs:      1000,
	}
	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(got, e) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, e)
	}
}
