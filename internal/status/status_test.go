package status

import (
	"testing"
	"time"
)

func TestUpdateMergesFields(t *testing.T) {
	s := NewStore()
	s.Update("job1", StateProcessing, map[string]any{"progress": 10, "message": "Analyzing video URL..."})
	s.Update("job1", "", map[string]any{"progress": 30})

	rec, ok := s.Get("job1")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.State != StateProcessing {
		t.Errorf("state = %q, want processing after empty-state update", rec.State)
	}
	if rec.Fields["progress"] != 30 {
		t.Errorf("progress = %v, want overlay value 30", rec.Fields["progress"])
	}
	if rec.Fields["message"] != "Analyzing video URL..." {
		t.Errorf("message lost on partial update: %v", rec.Fields)
	}
}

func TestUpdateCreatesUnknownID(t *testing.T) {
	s := NewStore()
	s.Update("fresh", StateQueued, nil)
	if rec, ok := s.Get("fresh"); !ok || rec.State != StateQueued {
		t.Fatalf("Get(fresh) = %v, %v", rec, ok)
	}
}

func TestPayloadIncludesState(t *testing.T) {
	s := NewStore()
	s.Update("job1", StateCompleted, map[string]any{"title": "clip"})

	payload, ok := s.Payload("job1")
	if !ok {
		t.Fatal("payload missing")
	}
	if payload["status"] != "completed" || payload["title"] != "clip" {
		t.Errorf("payload = %v", payload)
	}

	// Payload must be a copy: mutating it must not leak into the store.
	payload["title"] = "mutated"
	if rec, _ := s.Get("job1"); rec.Fields["title"] != "clip" {
		t.Error("payload mutation leaked into the store")
	}
}

func TestPayloadUnknownID(t *testing.T) {
	if _, ok := NewStore().Payload("nope"); ok {
		t.Fatal("unknown id should report not found")
	}
}

func TestTerminal(t *testing.T) {
	for state, want := range map[State]bool{
		StateQueued:      false,
		StateProcessing:  false,
		StateDownloading: false,
		StateCompleted:   true,
		StateError:       true,
	} {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestActiveCountsNonTerminal(t *testing.T) {
	s := NewStore()
	s.Update("a", StateProcessing, nil)
	s.Update("b", StateDownloading, nil)
	s.Update("c", StateCompleted, nil)
	s.Update("d", StateError, nil)
	if got := s.Active(); got != 2 {
		t.Errorf("Active() = %d, want 2", got)
	}
}

func TestEvictOlderThan(t *testing.T) {
	s := NewStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	s.Update("old", StateCompleted, nil)
	clock = clock.Add(2 * time.Hour)
	s.Update("fresh", StateProcessing, nil)
	clock = clock.Add(time.Minute)

	evicted := s.evictOlderThan(time.Hour)
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("evicted = %v, want [old]", evicted)
	}
	if _, ok := s.Get("old"); ok {
		t.Error("old record still present")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh record evicted")
	}
}
