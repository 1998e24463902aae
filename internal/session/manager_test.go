package session

import (
	"context"
	"testing"
	"time"
)

func TestTableSetGetDelete(t *testing.T) {
	tbl := NewTable()
	s := NewSession("dev1", "sess1")
	tbl.Set(s)

	got, ok := tbl.Get("sess1")
	if !ok || got != s {
		t.Fatalf("Get() = %v, %v; want %v, true", got, ok, s)
	}

	tbl.Delete("sess1")
	if _, ok := tbl.Get("sess1"); ok {
		t.Error("session should be gone after Delete")
	}
}

func TestTableByDevice(t *testing.T) {
	tbl := NewTable()
	tbl.Set(NewSession("dev1", "sess1"))
	tbl.Set(NewSession("dev1", "sess2"))
	tbl.Set(NewSession("dev2", "sess3"))

	got := tbl.ByDevice("dev1")
	if len(got) != 2 {
		t.Errorf("ByDevice(dev1) returned %d sessions, want 2", len(got))
	}
}

func TestTableEvictStale(t *testing.T) {
	tbl := NewTable()
	now := time.Now()

	fresh := NewSession("dev1", "fresh")
	fresh.LastSeenAt = now
	stale := NewSession("dev1", "stale")
	stale.LastSeenAt = now.Add(-10 * time.Minute)

	tbl.Set(fresh)
	tbl.Set(stale)

	evicted := tbl.EvictStale(5*time.Minute, now)
	if len(evicted) != 1 || evicted[0].SessionID != "stale" {
		t.Fatalf("EvictStale() = %v, want [stale]", evicted)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d after eviction, want 1", tbl.Len())
	}
	if _, ok := tbl.Get("fresh"); !ok {
		t.Error("fresh session should remain")
	}
}

func TestSessionNextOutboundSeqStrictlyIncreasing(t *testing.T) {
	s := NewSession("dev1", "sess1")
	a := s.NextOutboundSeq()
	b := s.NextOutboundSeq()
	if !(a < b) {
		t.Errorf("outbound seqs not strictly increasing: %d, %d", a, b)
	}
}

func TestSessionBeginTurnCancelsStaleToken(t *testing.T) {
	s := NewSession("dev1", "sess1")
	ctx1 := s.BeginTurn(context.Background())
	ctx2 := s.BeginTurn(context.Background())

	select {
	case <-ctx1.Done():
	default:
		t.Error("starting a new turn should cancel the previous turn's context")
	}
	select {
	case <-ctx2.Done():
		t.Error("the new turn's context should not be canceled yet")
	default:
	}
}
