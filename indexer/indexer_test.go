package indexer

import (
	"testing"

	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/internal/testutil"
)

func TestIndexerTracksCertifications(t *testing.T) {
	emitter := events.NewEmitter()
	idx := New(testutil.NewMemKV(), emitter)

	emitter.Emit(events.Event{Type: events.EventCertAdded, Data: map[string]any{"from": "alice", "to": "bob"}})
	emitter.Emit(events.Event{Type: events.EventCertAdded, Data: map[string]any{"from": "carol", "to": "bob"}})
	// Duplicate; must not appear twice.
	emitter.Emit(events.Event{Type: events.EventCertAdded, Data: map[string]any{"from": "alice", "to": "bob"}})

	received, err := idx.GetCertsReceived("bob")
	if err != nil {
		t.Fatalf("GetCertsReceived: %v", err)
	}
	if len(received) != 2 || received[0] != "alice" || received[1] != "carol" {
		t.Fatalf("GetCertsReceived(bob) = %v, want [alice carol]", received)
	}

	given, err := idx.GetCertsGiven("alice")
	if err != nil {
		t.Fatalf("GetCertsGiven: %v", err)
	}
	if len(given) != 1 || given[0] != "bob" {
		t.Fatalf("GetCertsGiven(alice) = %v, want [bob]", given)
	}

	none, err := idx.GetCertsReceived("nobody")
	if err != nil {
		t.Fatalf("GetCertsReceived(nobody): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("GetCertsReceived(nobody) = %v, want empty", none)
	}
}

func TestIndexerTracksMembershipLog(t *testing.T) {
	emitter := events.NewEmitter()
	idx := New(testutil.NewMemKV(), emitter)

	emitter.Emit(events.Event{Type: events.EventMembershipNew, Data: map[string]any{"pubkey": "alice", "block_number": int64(1)}})
	emitter.Emit(events.Event{Type: events.EventMembershipOut, Data: map[string]any{"pubkey": "alice", "block_number": int64(5)}})
	emitter.Emit(events.Event{Type: events.EventMemberExcluded, Data: map[string]any{"pubkey": "alice", "block_number": int64(9)}})

	log, err := idx.GetMembershipLog("alice")
	if err != nil {
		t.Fatalf("GetMembershipLog: %v", err)
	}
	want := []string{"1:in", "5:out", "9:excluded"}
	if len(log) != len(want) {
		t.Fatalf("GetMembershipLog(alice) = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("GetMembershipLog(alice)[%d] = %q, want %q", i, log[i], want[i])
		}
	}
}

func TestIndexerIgnoresEventsMissingRequiredFields(t *testing.T) {
	emitter := events.NewEmitter()
	idx := New(testutil.NewMemKV(), emitter)

	emitter.Emit(events.Event{Type: events.EventCertAdded, Data: map[string]any{"from": "alice"}})
	emitter.Emit(events.Event{Type: events.EventMembershipNew, Data: map[string]any{"block_number": int64(1)}})

	if received, err := idx.GetCertsReceived(""); err != nil || len(received) != 0 {
		t.Fatalf("expected no index entries from an incomplete cert event, got %v, err=%v", received, err)
	}
}
