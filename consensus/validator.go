// Package consensus implements fork-tree block assembly and validation over
// a Web-of-Trust membership graph, replacing round-robin proposer rotation
// with WoT-stability gated block admission and cooperative PoW mining.
package consensus

import (
	"fmt"

	"github.com/duniter-go/gonode/crypto"
	"github.com/duniter-go/gonode/dal"
	"github.com/duniter-go/gonode/wot"
)

// Validator holds no mutable state; every check reads through a DAL
// snapshot passed in by the caller (the confirmed chain or a forked core).
type Validator struct{}

// NewValidator creates a stateless Validator.
func NewValidator() *Validator { return &Validator{} }

// LocalCheck verifies everything about b that does not require chain
// context: structural shape, signatures, and internal consistency. The
// block's Hash and Signature are checked against pub, or against the key in
// b.Issuer when pub is nil. It must pass before GlobalCheck is attempted.
func (v *Validator) LocalCheck(b *wot.Block, pub []byte) error {
	if b.Version <= 0 {
		return fmt.Errorf("%w: version must be positive", wot.ErrBadSignature)
	}
	if b.Currency == "" {
		return fmt.Errorf("bad block: currency must not be empty")
	}
	if b.Number == 0 && b.Parameters == nil {
		return fmt.Errorf("bad block: root block must carry parameters")
	}
	if b.Number > 0 && b.Parameters != nil {
		return fmt.Errorf("bad block: only the root block carries parameters")
	}

	seenUid := map[string]bool{}
	seenPub := map[string]bool{}
	for _, idty := range b.Identities {
		if seenUid[idty.Uid] || seenPub[idty.Pubkey] {
			return fmt.Errorf("%w: identity %s/%s", wot.ErrDuplicateInBlock, idty.Uid, idty.Pubkey)
		}
		seenUid[idty.Uid] = true
		seenPub[idty.Pubkey] = true
	}

	seenMS := map[string]bool{}
	allMemberships := make([]wot.Membership, 0, len(b.Joiners)+len(b.Actives)+len(b.Leavers))
	allMemberships = append(allMemberships, b.Joiners...)
	allMemberships = append(allMemberships, b.Actives...)
	allMemberships = append(allMemberships, b.Leavers...)
	for _, ms := range allMemberships {
		if seenMS[ms.Issuer] {
			return fmt.Errorf("%w: membership for %s", wot.ErrDoubleMembership, ms.Issuer)
		}
		seenMS[ms.Issuer] = true
	}

	seenCert := map[string]bool{}
	for _, c := range b.Certifications {
		if c.From == c.To {
			return fmt.Errorf("%w: %s", wot.ErrSelfCertification, c.From)
		}
		key := c.From + ">" + c.To
		if seenCert[key] {
			return fmt.Errorf("%w: certification %s", wot.ErrDuplicateInBlock, key)
		}
		seenCert[key] = true
	}

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if err := tx.Verify(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
		if err := tx.CheckBalance(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}

	if b.LeadingZeroNibbles()*4 < b.PowMin {
		return fmt.Errorf("%w: %d leading bits, want %d", wot.ErrBadPoW, b.LeadingZeroNibbles()*4, b.PowMin)
	}

	if pub == nil {
		issuerPub, err := crypto.PubKeyFromHex(b.Issuer)
		if err != nil {
			return fmt.Errorf("%w: issuer key: %v", wot.ErrBadSignature, err)
		}
		pub = issuerPub
	}
	if err := b.Verify(crypto.PublicKey(pub)); err != nil {
		return err
	}

	return nil
}

// GlobalCheck verifies b against the accumulated WoT/chain state in d,
// which must be the DAL view of the fork b extends.
func (v *Validator) GlobalCheck(d dal.DAL, b *wot.Block, params *wot.Parameters) error {
	current, err := d.GetCurrentBlockOrNull()
	if err != nil {
		return err
	}
	if current == nil {
		if !wot.IsGenesisHash(b.PreviousHash) || b.Number != 0 {
			return fmt.Errorf("%w: first block must be number 0 with genesis previous hash", wot.ErrBadPreviousHash)
		}
	} else {
		if b.Number != current.Number+1 {
			return fmt.Errorf("%w: got %d want %d", wot.ErrBadPreviousHash, b.Number, current.Number+1)
		}
		if b.PreviousHash != current.Hash {
			return fmt.Errorf("%w: got %s want %s", wot.ErrBadPreviousHash, b.PreviousHash, current.Hash)
		}
		if b.PreviousIssuer != "" && b.PreviousIssuer != current.Issuer {
			return fmt.Errorf("%w: got %s want %s", wot.ErrBadPreviousIssuer, b.PreviousIssuer, current.Issuer)
		}
	}

	chainCtx := NewChainContext(d, params)
	if current != nil {
		if b.MedianTime < current.MedianTime {
			return fmt.Errorf("%w: %d below parent floor %d", wot.ErrBadMedianTime, b.MedianTime, current.MedianTime)
		}
		expectedMedian, err := chainCtx.GetMedianTime()
		if err != nil {
			return err
		}
		if b.MedianTime != expectedMedian {
			return fmt.Errorf("%w: got %d want %d", wot.ErrBadMedianTime, b.MedianTime, expectedMedian)
		}
	}
	expectedPowMin, err := chainCtx.GetPoWMin()
	if err != nil {
		return err
	}
	if b.PowMin != expectedPowMin {
		return fmt.Errorf("%w: got %d want %d", wot.ErrBadDividend, b.PowMin, expectedPowMin)
	}

	for _, idty := range b.Identities {
		if existing, err := d.GetIdentityByUidOrNull(idty.Uid); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("%w: %s", wot.ErrUidTaken, idty.Uid)
		}
		if existing, err := d.GetIdentityByPubkeyOrNull(idty.Pubkey); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("%w: %s", wot.ErrPubkeyTaken, idty.Pubkey)
		}
	}

	for _, c := range b.Certifications {
		stale := params.SigValidity > 0 && b.MedianTime-0 > params.SigValidity
		_ = stale // basis-block age against SigValidity is not enforced: neither this check nor the assembler rejects a stale certification
		exists, err := d.ExistsLinkFromOrAfterDate(c.From, c.To, b.MedianTime-params.SigDelay)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s>%s", wot.ErrReplayedCert, c.From, c.To)
		}
	}

	for _, ms := range b.Joiners {
		if current == nil {
			break // root founders are admitted without WoT checks: there is no WoT yet
		}
		outdistanced, err := v.IsOutdistanced(d, ms.Issuer, params)
		if err != nil {
			return err
		}
		if outdistanced {
			return fmt.Errorf("%w: %s", wot.ErrOutdistanced, ms.Issuer)
		}
		certs, err := d.GetValidLinksTo(ms.Issuer)
		if err != nil {
			return err
		}
		received := len(certs)
		for _, c := range b.Certifications {
			if c.To == ms.Issuer {
				received++
			}
		}
		if received < params.SigQty {
			return fmt.Errorf("%w: %s has %d, needs %d", wot.ErrInsufficientCerts, ms.Issuer, received, params.SigQty)
		}
	}

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		for _, in := range tx.Inputs {
			ok, err := d.SourceExists(in.Source)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", wot.ErrSourceUnknown, in.Source)
			}
		}
	}

	return nil
}

// Sentries returns every member whose outgoing valid-link count meets
// SigWoT: the backbone the stepMax reachability check walks from.
func (v *Validator) Sentries(d dal.DAL, params *wot.Parameters) ([]string, error) {
	members, err := d.GetMembers()
	if err != nil {
		return nil, err
	}
	var sentries []string
	for _, m := range members {
		out, err := d.GetValidLinksFrom(m.Pubkey)
		if err != nil {
			return nil, err
		}
		if len(out) >= params.SigWoT {
			sentries = append(sentries, m.Pubkey)
		}
	}
	return sentries, nil
}

// IsOutdistanced reports whether pubkey is more than StepMax hops away from
// every sentry, walking outgoing links breadth-first from the sentry set.
func (v *Validator) IsOutdistanced(d dal.DAL, pubkey string, params *wot.Parameters) (bool, error) {
	sentries, err := v.Sentries(d, params)
	if err != nil {
		return false, err
	}
	if len(sentries) == 0 {
		return false, nil // bootstrapping WoT: nobody is outdistanced yet
	}
	visited := map[string]bool{}
	frontier := append([]string{}, sentries...)
	for _, s := range frontier {
		visited[s] = true
		if s == pubkey {
			return false, nil
		}
	}
	for hop := 0; hop < params.StepMax; hop++ {
		var next []string
		for _, node := range frontier {
			links, err := d.GetValidLinksFrom(node)
			if err != nil {
				return false, err
			}
			for _, l := range links {
				if !visited[l.To] {
					visited[l.To] = true
					next = append(next, l.To)
				}
			}
		}
		if visited[pubkey] {
			return false, nil
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return !visited[pubkey], nil
}
