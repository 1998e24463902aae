// Package session owns device session state: the CONNECTING→READY→
// LISTENING→THINKING→SPEAKING→CLOSED machine, inbound sequence discipline,
// and outbound sequence allocation. It holds no transport and no LLM
// knowledge; internal/runtime drives it from adapter events and calls back
// into it for every transition.
package session

import "fmt"

// State is one of the session lifecycle states.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateClosed     State = "closed"
)

// validTransitions enumerates the state machine's edges, keyed by
// (from, triggering event). There is no wildcard entry; every accepted
// (state, event) pair is listed explicitly.
var validTransitions = map[State]map[string]State{
	StateConnecting: {"hello": StateReady},
	StateReady:      {"hello": StateReady, "listen_start": StateListening},
	StateListening:  {"hello": StateReady, "audio_chunk": StateListening, "listen_stop": StateThinking},
	StateThinking:   {"hello": StateReady, "response_ready": StateSpeaking},
	StateSpeaking:   {"hello": StateReady, "listen_start": StateListening}, // barge-in
}

// Next returns the state reached from cur on trigger, and whether the
// transition is defined. "close" and "timeout" have no edges here since
// they apply from any state; the runtime sets StateClosed directly.
func Next(cur State, trigger string) (State, bool) {
	if edges, ok := validTransitions[cur]; ok {
		if next, ok := edges[trigger]; ok {
			return next, true
		}
	}
	return cur, false
}

// IsBargeIn reports whether a listen_start arriving in SPEAKING constitutes
// a barge-in, the one transition with a side effect beyond the plain state
// change (cancel in-flight TTS, emit tts_stop{aborted:true}).
func IsBargeIn(cur State, trigger string) bool {
	return cur == StateSpeaking && trigger == "listen_start"
}

// ValidationError reports an event that doesn't fit the current state, e.g.
// an audio_chunk arriving in READY without a preceding listen_start.
type ValidationError struct {
	State   State
	Trigger string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("session: event %q invalid in state %q", e.Trigger, e.State)
}
