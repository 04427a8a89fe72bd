package wot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/duniter-go/gonode/crypto"
)

// Block is a candidate or confirmed entry in the chain. Fields not covered
// by innerBlock (Hash, Signature) are set by Sign.
type Block struct {
	Number         int64           `json:"number"`
	Hash           string          `json:"hash"`
	PreviousHash   string          `json:"previous_hash"`
	PreviousIssuer string          `json:"previous_issuer"`
	Issuer         string          `json:"issuer"`
	Version        int             `json:"version"`
	Currency       string          `json:"currency"`
	Parameters     *Parameters     `json:"parameters,omitempty"` // non-nil only at Number == 0
	MedianTime     int64           `json:"median_time"`
	PowMin         int             `json:"pow_min"`
	Nonce          uint64          `json:"nonce"`
	MembersCount   int             `json:"members_count"`
	MonetaryMass   uint64          `json:"monetary_mass"`
	Dividend       *uint64         `json:"dividend,omitempty"`
	UDTime         *int64          `json:"ud_time,omitempty"`
	Identities     []Identity      `json:"identities"`
	Joiners        []Membership    `json:"joiners"`
	Actives        []Membership    `json:"actives"`
	Leavers        []Membership    `json:"leavers"`
	Excluded       []string        `json:"excluded"`
	Certifications []Certification `json:"certifications"`
	Transactions   []Transaction   `json:"transactions"`
	Signature      string          `json:"signature"`
}

// innerBlock is the subset of fields covered by Hash/Signature: everything
// except Hash and Signature themselves. Nonce and PowMin are included
// because PoW iterates Nonce and recomputes this hash each try.
type innerBlock struct {
	Number         int64           `json:"number"`
	PreviousHash   string          `json:"previous_hash"`
	PreviousIssuer string          `json:"previous_issuer"`
	Issuer         string          `json:"issuer"`
	Version        int             `json:"version"`
	Currency       string          `json:"currency"`
	Parameters     *Parameters     `json:"parameters,omitempty"`
	MedianTime     int64           `json:"median_time"`
	PowMin         int             `json:"pow_min"`
	Nonce          uint64          `json:"nonce"`
	MembersCount   int             `json:"members_count"`
	MonetaryMass   uint64          `json:"monetary_mass"`
	Dividend       *uint64         `json:"dividend,omitempty"`
	UDTime         *int64          `json:"ud_time,omitempty"`
	Identities     []Identity      `json:"identities"`
	Joiners        []Membership    `json:"joiners"`
	Actives        []Membership    `json:"actives"`
	Leavers        []Membership    `json:"leavers"`
	Excluded       []string        `json:"excluded"`
	Certifications []Certification `json:"certifications"`
	Transactions   []Transaction   `json:"transactions"`
}

// ComputeHash returns the SHA-256 hash of the canonical inner block. It
// returns an empty string only if json.Marshal fails, which cannot happen
// for this type.
func (b *Block) ComputeHash() string {
	inner := innerBlock{
		Number: b.Number, PreviousHash: b.PreviousHash, PreviousIssuer: b.PreviousIssuer,
		Issuer: b.Issuer, Version: b.Version, Currency: b.Currency, Parameters: b.Parameters,
		MedianTime: b.MedianTime, PowMin: b.PowMin, Nonce: b.Nonce, MembersCount: b.MembersCount,
		MonetaryMass: b.MonetaryMass, Dividend: b.Dividend, UDTime: b.UDTime,
		Identities: b.Identities, Joiners: b.Joiners, Actives: b.Actives, Leavers: b.Leavers,
		Excluded: b.Excluded, Certifications: b.Certifications, Transactions: b.Transactions,
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign sets Hash and signs it with the issuer's private key.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, []byte(b.Hash))
}

// Verify checks that Hash matches the recomputed inner hash and that
// Signature is valid for pub.
func (b *Block) Verify(pub crypto.PublicKey) error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("%w: stored %s computed %s", ErrBadSignature, b.Hash, computed)
	}
	if err := crypto.Verify(pub, []byte(b.Hash), b.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// LeadingZeroNibbles returns the number of leading '0' hex characters in
// Hash, the quantity the PoW difficulty floor is measured in.
func (b *Block) LeadingZeroNibbles() int {
	return leadingZeroNibbles(b.Hash)
}

func leadingZeroNibbles(hexHash string) int {
	n := 0
	for _, c := range hexHash {
		if c != '0' {
			break
		}
		n++
	}
	return n
}

// NewBlock creates an unsigned block skeleton; callers fill in WoT/tx
// content and assembler-computed fields (MedianTime, PowMin, Dividend...)
// before calling Sign.
func NewBlock(number int64, previousHash, issuer string) *Block {
	return &Block{
		Number:         number,
		PreviousHash:   previousHash,
		Issuer:         issuer,
		Identities:     []Identity{},
		Joiners:        []Membership{},
		Actives:        []Membership{},
		Leavers:        []Membership{},
		Excluded:       []string{},
		Certifications: []Certification{},
		Transactions:   []Transaction{},
	}
}

// IsGenesisHash reports whether h is the canonical all-zero genesis
// previous-hash placeholder.
func IsGenesisHash(h string) bool {
	return len(h) == 64 && strings.Count(h, "0") == len(h)
}

// GenesisHash is the canonical previous-hash value used by block #0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}
