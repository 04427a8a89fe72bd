package wot

import (
	"testing"

	"github.com/duniter-go/gonode/crypto"
)

func TestTransactionSignVerifyRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	tx := &Transaction{
		Issuers: []string{pub.Hex()},
		Inputs:  []TxInput{{Source: "D:" + pub.Hex() + ":0", Amount: 100}},
		Outputs: []TxOutput{{Pubkey: "receiver", Amount: 100}},
		Unlocks: []string{"0:SIG(0)"},
	}
	tx.Sign([]crypto.PrivateKey{priv})

	if err := tx.Verify(); err != nil {
		t.Fatalf("verify signed transaction: %v", err)
	}
	if err := tx.CheckBalance(); err != nil {
		t.Fatalf("check balance: %v", err)
	}
}

func TestTransactionVerifyRejectsTamperedAmount(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	tx := &Transaction{
		Issuers: []string{pub.Hex()},
		Inputs:  []TxInput{{Source: "D:" + pub.Hex() + ":0", Amount: 100}},
		Outputs: []TxOutput{{Pubkey: "receiver", Amount: 100}},
		Unlocks: []string{"0:SIG(0)"},
	}
	tx.Sign([]crypto.PrivateKey{priv})

	tx.Outputs[0].Amount = 1000
	if err := tx.Verify(); err == nil {
		t.Fatal("expected verify to fail after tampering with outputs")
	}
}

func TestCheckBalanceRejectsOverspend(t *testing.T) {
	tx := &Transaction{
		Inputs:  []TxInput{{Source: "a", Amount: 10}},
		Outputs: []TxOutput{{Pubkey: "b", Amount: 20}},
	}
	if err := tx.CheckBalance(); err == nil {
		t.Fatal("expected CheckBalance to reject outputs exceeding inputs")
	}
}

func TestVerifyRejectsMismatchedUnlockCount(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	tx := &Transaction{
		Issuers: []string{pub.Hex()},
		Inputs:  []TxInput{{Source: "a", Amount: 1}, {Source: "b", Amount: 1}},
		Outputs: []TxOutput{{Pubkey: "c", Amount: 2}},
		Unlocks: []string{"0:SIG(0)"}, // only one, but two inputs
	}
	tx.Sign([]crypto.PrivateKey{priv})
	if err := tx.Verify(); err == nil {
		t.Fatal("expected verify to reject mismatched unlock/input counts")
	}
}

func TestOutputSourceAndDividendSource(t *testing.T) {
	tx := &Transaction{ID: "abc123"}
	if got, want := tx.OutputSource(2), "abc123:2"; got != want {
		t.Fatalf("OutputSource = %q, want %q", got, want)
	}
	if got, want := DividendSource("pub", 7), "D:pub:7"; got != want {
		t.Fatalf("DividendSource = %q, want %q", got, want)
	}
}

func TestComputeTxRootEmptyVsNonEmpty(t *testing.T) {
	empty := ComputeTxRoot(nil)
	nonEmpty := ComputeTxRoot([]Transaction{{ID: "x"}})
	if empty == nonEmpty {
		t.Fatal("empty and non-empty transaction sets must not hash the same")
	}
	if empty != ComputeTxRoot(nil) {
		t.Fatal("ComputeTxRoot over no transactions must be deterministic")
	}
}
