package registry

import (
	"encoding/json"
	"testing"

	"pigeon/internal/models"
)

type fakeSink struct {
	frames [][]byte
	full   bool
}

func (s *fakeSink) Enqueue(data []byte) bool {
	if s.full {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func TestRegisterUnregisterCount(t *testing.T) {
	r := New()
	a, b := &fakeSink{}, &fakeSink{}

	if r.Count("alice") != 0 {
		t.Fatalf("expected zero connections initially")
	}

	r.Register("alice", a)
	r.Register("alice", b)
	if got := r.Count("alice"); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if remaining := r.Unregister("alice", a); remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", remaining)
	}
	if remaining := r.Unregister("alice", b); remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
	if r.Count("alice") != 0 {
		t.Fatalf("expected user to be gone after last unregister")
	}
}

func TestEmitDeliversToEveryConnectionOfUser(t *testing.T) {
	r := New()
	a, b, other := &fakeSink{}, &fakeSink{}, &fakeSink{}
	r.Register("alice", a)
	r.Register("alice", b)
	r.Register("bob", other)

	r.Emit("alice", "NewMessage", map[string]string{"body": "hi"})

	for i, s := range []*fakeSink{a, b} {
		if len(s.frames) != 1 {
			t.Fatalf("sink %d: expected 1 frame, got %d", i, len(s.frames))
		}
		var ev models.Event
		if err := json.Unmarshal(s.frames[0], &ev); err != nil {
			t.Fatalf("sink %d: bad frame: %v", i, err)
		}
		if ev.Name != "NewMessage" {
			t.Fatalf("sink %d: expected NewMessage, got %q", i, ev.Name)
		}
		var payload map[string]string
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("sink %d: bad payload: %v", i, err)
		}
		if payload["body"] != "hi" {
			t.Fatalf("sink %d: wrong payload %v", i, payload)
		}
	}
	if len(other.frames) != 0 {
		t.Fatalf("event leaked to another user's connection")
	}
}

func TestEmitToUnknownUserIsNoop(t *testing.T) {
	r := New()
	r.Emit("ghost", "NewMessage", "hello") // must not panic
}

func TestEmitSkipsFullSink(t *testing.T) {
	r := New()
	ok, full := &fakeSink{}, &fakeSink{full: true}
	r.Register("alice", ok)
	r.Register("alice", full)

	r.Emit("alice", "NewReaction", nil)

	if len(ok.frames) != 1 {
		t.Fatalf("healthy sink missed the event")
	}
	if len(full.frames) != 0 {
		t.Fatalf("full sink should not have received the event")
	}
}
