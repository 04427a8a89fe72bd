package wot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/duniter-go/gonode/crypto"
)

// TxInput references a prior output. Source is either "<txhash>:<index>"
// for a regular output or "D:<pubkey>:<blockNumber>" for a dividend.
type TxInput struct {
	Source string `json:"source"`
	Amount uint64 `json:"amount"`
}

// TxOutput credits Pubkey with Amount, spendable once the owning
// transaction is included in the confirmed chain.
type TxOutput struct {
	Pubkey string `json:"pubkey"`
	Amount uint64 `json:"amount"`
}

// Transaction moves value between sources and outputs (UTXO-style, as the
// wire-compatible uCoin transaction format does). Σ Inputs.Amount must be
// ≥ Σ Outputs.Amount; the difference is burned, there is no fee recipient.
type Transaction struct {
	ID         string     `json:"id"`
	Issuers    []string   `json:"issuers"`
	Inputs     []TxInput  `json:"inputs"`
	Outputs    []TxOutput `json:"outputs"`
	Unlocks    []string   `json:"unlocks"` // one per input, references an issuer index
	Signatures []string   `json:"signatures"`
	Comment    string     `json:"comment"`
	Locktime   int64      `json:"locktime"`
}

type txSigningBody struct {
	Issuers  []string   `json:"issuers"`
	Inputs   []TxInput  `json:"inputs"`
	Outputs  []TxOutput `json:"outputs"`
	Unlocks  []string   `json:"unlocks"`
	Comment  string     `json:"comment"`
	Locktime int64      `json:"locktime"`
}

// Hash returns the deterministic content hash used as the transaction ID
// and as the message each issuer signs.
func (tx *Transaction) Hash() string {
	body := txSigningBody{
		Issuers:  tx.Issuers,
		Inputs:   tx.Inputs,
		Outputs:  tx.Outputs,
		Unlocks:  tx.Unlocks,
		Comment:  tx.Comment,
		Locktime: tx.Locktime,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes and sets ID from the current content, then signs the ID
// hash with each of privs in order (privs must align 1:1 with Issuers).
func (tx *Transaction) Sign(privs []crypto.PrivateKey) {
	tx.ID = tx.Hash()
	sigs := make([]string, len(privs))
	for i, priv := range privs {
		sigs[i] = crypto.Sign(priv, []byte(tx.ID))
	}
	tx.Signatures = sigs
}

// Verify checks structural shape and every issuer's signature over the
// content hash. It does not check source existence/unspentness — that is
// a global (chain-context-dependent) check performed by the validator.
func (tx *Transaction) Verify() error {
	if len(tx.Issuers) == 0 {
		return fmt.Errorf("transaction has no issuers")
	}
	if len(tx.Signatures) != len(tx.Issuers) {
		return fmt.Errorf("signature count %d does not match issuer count %d", len(tx.Signatures), len(tx.Issuers))
	}
	if len(tx.Unlocks) != len(tx.Inputs) {
		return fmt.Errorf("unlock count %d does not match input count %d", len(tx.Unlocks), len(tx.Inputs))
	}
	if computed := tx.Hash(); computed != tx.ID {
		return fmt.Errorf("tx id mismatch: stored %s computed %s", tx.ID, computed)
	}
	for i, issuer := range tx.Issuers {
		pub, err := crypto.PubKeyFromHex(issuer)
		if err != nil {
			return fmt.Errorf("issuer %d: %w", i, err)
		}
		if err := crypto.Verify(pub, []byte(tx.ID), tx.Signatures[i]); err != nil {
			return fmt.Errorf("issuer %d signature: %w", i, err)
		}
	}
	return nil
}

// CheckBalance enforces the structural invariant Σ inputs ≥ Σ outputs.
func (tx *Transaction) CheckBalance() error {
	var in, out uint64
	for _, i := range tx.Inputs {
		in += i.Amount
	}
	for _, o := range tx.Outputs {
		out += o.Amount
	}
	if in < out {
		return fmt.Errorf("%w: inputs=%d outputs=%d", ErrUnbalancedTx, in, out)
	}
	return nil
}

// OutputSource builds the source reference other transactions use to spend
// output index idx of this transaction.
func (tx *Transaction) OutputSource(idx int) string {
	return fmt.Sprintf("%s:%d", tx.ID, idx)
}

// DividendSource builds the source reference for a dividend issued to
// pubkey at blockNumber.
func DividendSource(pubkey string, blockNumber int64) string {
	return fmt.Sprintf("D:%s:%d", pubkey, blockNumber)
}

// ComputeTxRoot builds a deterministic root hash over an ordered set of
// transaction IDs, length-prefixed to avoid boundary ambiguity.
func ComputeTxRoot(txs []Transaction) string {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	for _, tx := range txs {
		writeLenPrefixed(&buf, []byte(tx.ID))
	}
	return crypto.Hash(buf.Bytes())
}
