package lifelog

import (
	"testing"
	"time"
)

func TestPoolEnqueueRejectsWhenFull(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1, Overflow: OverflowReject})
	// No Start(): nothing drains the queue, so the first enqueue fills it
	// and the second is rejected.
	if !p.Enqueue(IngestJob{DeviceID: "d1"}) {
		t.Fatal("first enqueue should succeed")
	}
	if p.Enqueue(IngestJob{DeviceID: "d1"}) {
		t.Fatal("second enqueue should be rejected: queue size is 1")
	}
	stats := p.Stats()
	if stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}
}

func TestPoolEnqueueDropsOldest(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1, Overflow: OverflowDropOldest})
	if !p.Enqueue(IngestJob{DeviceID: "first"}) {
		t.Fatal("first enqueue should succeed")
	}
	if !p.Enqueue(IngestJob{DeviceID: "second"}) {
		t.Fatal("second enqueue should succeed by dropping the oldest")
	}
	stats := p.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.Depth != 1 {
		t.Errorf("Depth = %d, want 1", stats.Depth)
	}
}

func TestPoolEnqueueWaitTimesOut(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1, Overflow: OverflowWait, EnqueueTimeout: 10 * time.Millisecond})
	if !p.Enqueue(IngestJob{DeviceID: "d1"}) {
		t.Fatal("first enqueue should succeed")
	}
	start := time.Now()
	if p.Enqueue(IngestJob{DeviceID: "d1"}) {
		t.Fatal("second enqueue should time out: nothing is draining the queue")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("enqueue returned after %v, want to wait at least the enqueue timeout", elapsed)
	}
}
