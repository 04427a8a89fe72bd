package events

import "testing"

func TestEmitDeliversOnlyToMatchingSubscribers(t *testing.T) {
	e := NewEmitter()
	var gotCommit, gotPruned int
	e.Subscribe(EventBlockCommit, func(ev Event) { gotCommit++ })
	e.Subscribe(EventForkPruned, func(ev Event) { gotPruned++ })

	e.Emit(Event{Type: EventBlockCommit, BlockHeight: 1})
	e.Emit(Event{Type: EventBlockCommit, BlockHeight: 2})

	if gotCommit != 2 {
		t.Fatalf("gotCommit = %d, want 2", gotCommit)
	}
	if gotPruned != 0 {
		t.Fatalf("gotPruned = %d, want 0 (no EventForkPruned was emitted)", gotPruned)
	}
}

func TestEmitCallsMultipleSubscribersInOrder(t *testing.T) {
	e := NewEmitter()
	var order []int
	e.Subscribe(EventDividendPaid, func(Event) { order = append(order, 1) })
	e.Subscribe(EventDividendPaid, func(Event) { order = append(order, 2) })

	e.Emit(Event{Type: EventDividendPaid})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestEmitRecoversFromPanickingHandler(t *testing.T) {
	e := NewEmitter()
	called := false
	e.Subscribe(EventTxExecuted, func(Event) { panic("boom") })
	e.Subscribe(EventTxExecuted, func(Event) { called = true })

	e.Emit(Event{Type: EventTxExecuted})

	if !called {
		t.Fatal("a panicking handler must not prevent later subscribers from running")
	}
}

func TestEmitWithNoSubscribersIsANoop(t *testing.T) {
	e := NewEmitter()
	e.Emit(Event{Type: EventPoWStarted})
}
