package consensus

import (
	"testing"
	"time"

	"github.com/duniter-go/gonode/crypto"
	"github.com/duniter-go/gonode/wot"
)

func TestPoWCooperativeCancellation(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	coord := NewPoWCoordinator(nil, 1.0)

	b := wot.NewBlock(1, wot.GenesisHash, pub.Hex())
	b.Version = 1
	b.Currency = "test"

	// A trial level this high is never satisfied in the time it takes to
	// call Cancel, so any value received on result would indicate the
	// cancellation was not honored.
	result, errc := coord.Start(b, 64, priv)
	coord.Cancel()

	select {
	case mined, ok := <-result:
		if ok {
			t.Fatalf("expected mining to be cancelled, got a mined block instead: %+v", mined)
		}
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	stats := coord.Stats()
	if stats.State != PoWIdle {
		t.Fatalf("state after cancellation = %v, want PoWIdle", stats.State)
	}
}
