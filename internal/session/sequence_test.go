package session

import "testing"

func TestClassifySeq(t *testing.T) {
	tests := []struct {
		name           string
		lastInboundSeq int64
		seq            int64
		wantOutcome    SeqOutcome
		wantLast       int64
	}{
		{"first event", 0, 1, SeqAccepted, 1},
		{"next in order", 1, 2, SeqAccepted, 2},
		{"gap accepted", 1, 9, SeqGap, 9},
		{"duplicate equal", 3, 3, SeqDuplicate, 3},
		{"duplicate older", 3, 2, SeqDuplicate, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, last := ClassifySeq(tt.lastInboundSeq, tt.seq)
			if outcome != tt.wantOutcome || last != tt.wantLast {
				t.Errorf("ClassifySeq(%d, %d) = (%v, %d), want (%v, %d)",
					tt.lastInboundSeq, tt.seq, outcome, last, tt.wantOutcome, tt.wantLast)
			}
		})
	}
}

// TestDuplicateAndOutOfOrderHeartbeats reproduces seed scenario 4: inject
// seq=1 hello, then heartbeats seq=3, 2, 3. last_inbound_seq must end at 3
// with at least one duplicate recorded.
func TestDuplicateAndOutOfOrderHeartbeats(t *testing.T) {
	var last int64
	var duplicates int

	steps := []int64{1, 3, 2, 3}
	for _, seq := range steps {
		outcome, newLast := ClassifySeq(last, seq)
		last = newLast
		if outcome == SeqDuplicate {
			duplicates++
		}
	}

	if last != 3 {
		t.Errorf("last_inbound_seq = %d, want 3", last)
	}
	if duplicates < 1 {
		t.Errorf("duplicates = %d, want >= 1", duplicates)
	}
}

func TestIsIdempotent(t *testing.T) {
	if !IsIdempotent("heartbeat") || !IsIdempotent("hello") {
		t.Error("heartbeat and hello must be idempotent event types")
	}
	if IsIdempotent("audio_chunk") {
		t.Error("audio_chunk must not be idempotent")
	}
}
