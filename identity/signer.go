package identity

import (
	"fmt"
	"time"

	"github.com/duniter-go/gonode/crypto"
	"github.com/duniter-go/gonode/wot"
)

// Signer holds a local key pair and builds signed WoT/transaction records,
// the identity-centric counterpart of the teacher's transfer-only Wallet.
type Signer struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Signer from an existing private key.
func New(priv crypto.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public()}
}

// Generate creates a Signer with a freshly generated key pair.
func Generate() (*Signer, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (s *Signer) PrivKey() crypto.PrivateKey { return s.priv }

// Pubkey returns the hex-encoded ed25519 public key.
func (s *Signer) Pubkey() string { return s.pub.Hex() }

// SignBlock sets Hash and Signature on b.
func (s *Signer) SignBlock(b *wot.Block) { b.Sign(s.priv) }

// NewMembership builds and signs a membership declaration for uid, at the
// next sequence number after prevNumber (0 for the identity's first).
func (s *Signer) NewMembership(uid string, prevNumber int64, typ wot.MembershipType) wot.Membership {
	now := time.Now().Unix()
	return wot.Membership{
		Issuer:     s.Pubkey(),
		Userid:     uid,
		Certts:     now,
		Number:     prevNumber + 1,
		Membership: typ,
	}
}

// NewCertification signs a certification of to's identity, basing it on
// basisBlock (the block number the certification is valid as of).
func (s *Signer) NewCertification(to string, basisBlock int64) wot.Certification {
	from := s.Pubkey()
	msg := fmt.Sprintf("%s>%s#%d", from, to, basisBlock)
	return wot.Certification{
		From:        from,
		To:          to,
		BlockNumber: basisBlock,
		Signature:   crypto.Sign(s.priv, []byte(msg)),
	}
}

// NewTransaction builds and signs a single-issuer transaction spending
// inputs to outputs.
func (s *Signer) NewTransaction(inputs []wot.TxInput, outputs []wot.TxOutput, comment string) *wot.Transaction {
	tx := &wot.Transaction{
		Issuers: []string{s.Pubkey()},
		Inputs:  inputs,
		Outputs: outputs,
		Unlocks: make([]string, len(inputs)),
		Comment: comment,
	}
	for i := range tx.Unlocks {
		tx.Unlocks[i] = "0:SIG(0)"
	}
	tx.Sign([]crypto.PrivateKey{s.priv})
	return tx
}
