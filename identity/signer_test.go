package identity

import (
	"testing"

	"github.com/duniter-go/gonode/crypto"
	"github.com/duniter-go/gonode/wot"
)

func TestGenerateProducesUsableSigner(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s.Pubkey() == "" {
		t.Fatal("expected non-empty pubkey")
	}
	if _, err := crypto.PubKeyFromHex(s.Pubkey()); err != nil {
		t.Fatalf("pubkey not valid hex ed25519 key: %v", err)
	}
}

func TestSignBlockProducesVerifiableSignature(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b := wot.NewBlock(0, wot.GenesisHash, s.Pubkey())
	b.Version = 1
	b.Currency = "test"
	s.SignBlock(b)

	pub, err := crypto.PubKeyFromHex(s.Pubkey())
	if err != nil {
		t.Fatalf("pubkey from hex: %v", err)
	}
	if err := b.Verify(pub); err != nil {
		t.Fatalf("verify signed block: %v", err)
	}
}

func TestNewCertificationBindsFromToAndBlock(t *testing.T) {
	issuer, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cert := issuer.NewCertification("target-pubkey", 42)

	if cert.From != issuer.Pubkey() {
		t.Fatalf("cert.From = %q, want %q", cert.From, issuer.Pubkey())
	}
	if cert.To != "target-pubkey" {
		t.Fatalf("cert.To = %q, want target-pubkey", cert.To)
	}
	if cert.BlockNumber != 42 {
		t.Fatalf("cert.BlockNumber = %d, want 42", cert.BlockNumber)
	}
	if cert.Signature == "" {
		t.Fatal("expected non-empty signature")
	}

	// Changing the basis block must change the signature: it must be
	// binding on more than just From/To.
	other := issuer.NewCertification("target-pubkey", 43)
	if other.Signature == cert.Signature {
		t.Fatal("certifications with different basis blocks must not share a signature")
	}
}

func TestNewMembershipIncrementsSequenceNumber(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ms := s.NewMembership("alice", 5, wot.MembershipIN)
	if ms.Number != 6 {
		t.Fatalf("ms.Number = %d, want 6", ms.Number)
	}
	if ms.Issuer != s.Pubkey() {
		t.Fatal("membership issuer must match signer's pubkey")
	}
	if ms.Membership != wot.MembershipIN {
		t.Fatalf("ms.Membership = %q, want IN", ms.Membership)
	}
}

func TestNewTransactionVerifies(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tx := s.NewTransaction(
		[]wot.TxInput{{Source: wot.DividendSource(s.Pubkey(), 10), Amount: 50}},
		[]wot.TxOutput{{Pubkey: "receiver", Amount: 50}},
		"test payment",
	)
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := tx.CheckBalance(); err != nil {
		t.Fatalf("check balance: %v", err)
	}
}
