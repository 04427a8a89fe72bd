package consensus

import (
	"math"
	"time"

	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

// BlockAssembler builds an unsigned, unmined candidate block from a
// ChainContext's pending pools, resolving newcomer admission through a
// named strategy.JoinerFilter.
type BlockAssembler struct {
	ctx      *ChainContext
	strategy string // strategy.Automatic or strategy.ManualRoot
}

// NewBlockAssembler creates an assembler over ctx using the named strategy.
func NewBlockAssembler(ctx *ChainContext, strategyName string) *BlockAssembler {
	return &BlockAssembler{ctx: ctx, strategy: strategyName}
}

// GenerateNext assembles the next candidate block from every pending pool:
// newcomers filtered to a WoT-stable admissible set together with the
// certifications they received, leavers, exclusions, the dividend (if due),
// and pending transactions whose sources still resolve. It adds no Actives
// and no certifications between existing members.
func (a *BlockAssembler) GenerateNext(issuerPub, currency string, version int) (*wot.Block, error) {
	return a.assemble(issuerPub, currency, version, false)
}

// GenerateEmptyNextBlock assembles a block carrying only the dividend (if
// due): used to keep the chain moving when no WoT/tx activity is pending.
func (a *BlockAssembler) GenerateEmptyNextBlock(issuerPub, currency string, version int) (*wot.Block, error) {
	return a.assemble(issuerPub, currency, version, true)
}

// GenerateManualRoot assembles block #0 from an operator-curated founder
// list, bypassing WoT admissibility checks entirely (there is no WoT yet)
// and embedding params as the currency's immutable protocol constants.
func (a *BlockAssembler) GenerateManualRoot(issuerPub, currency string, version int, founders []strategy.Candidate, params *wot.Parameters) (*wot.Block, error) {
	filter, err := strategy.Get(strategy.ManualRoot)
	if err != nil {
		return nil, err
	}
	admitted := filter(founders, nil)

	b := wot.NewBlock(0, wot.GenesisHash, issuerPub)
	b.Version = version
	b.Currency = currency
	b.Parameters = params
	b.MedianTime = time.Now().Unix()
	b.PowMin = 0

	for _, c := range admitted {
		b.Identities = append(b.Identities, c.Identity)
		b.Joiners = append(b.Joiners, c.Membership)
		b.Certifications = append(b.Certifications, c.Certs...)
	}
	b.MembersCount = len(admitted)
	return b, nil
}

func (a *BlockAssembler) assemble(issuerPub, currency string, version int, empty bool) (*wot.Block, error) {
	d := a.ctx.DAL()
	params := a.ctx.Params()

	current, err := a.ctx.Current()
	if err != nil {
		return nil, err
	}
	var number int64
	previousHash := wot.GenesisHash
	previousIssuer := ""
	if current != nil {
		number = current.Number + 1
		previousHash = current.Hash
		previousIssuer = current.Issuer
	}

	medianTime, err := a.ctx.GetMedianTime()
	if err != nil {
		return nil, err
	}
	if medianTime == 0 {
		medianTime = time.Now().Unix()
	}
	powMin, err := a.ctx.GetPoWMin()
	if err != nil {
		return nil, err
	}

	b := wot.NewBlock(number, previousHash, issuerPub)
	b.PreviousIssuer = previousIssuer
	b.Version = version
	b.Currency = currency
	b.MedianTime = medianTime
	b.PowMin = powMin

	members, err := d.GetMembers()
	if err != nil {
		return nil, err
	}
	membersCount := len(members)

	if !empty {
		if err := a.assembleWoT(b, params); err != nil {
			return nil, err
		}
		if err := a.assembleTxs(b); err != nil {
			return nil, err
		}
		membersCount += len(b.Joiners) - len(b.Leavers) - len(b.Excluded)
	}
	b.MembersCount = membersCount

	dividend, udTime, err := a.computeDividend(current, medianTime, membersCount, params)
	if err != nil {
		return nil, err
	}
	if dividend != nil {
		b.Dividend = dividend
		b.UDTime = &udTime
	}

	monetaryMass := uint64(0)
	if current != nil {
		monetaryMass = current.MonetaryMass
	}
	if dividend != nil {
		monetaryMass += *dividend * uint64(membersCount)
	}
	b.MonetaryMass = monetaryMass

	return b, nil
}

// assembleWoT populates Identities/Joiners/Certifications/Leavers/Excluded
// by running the assembler's strategy filter over every pending newcomer.
func (a *BlockAssembler) assembleWoT(b *wot.Block, params *wot.Parameters) error {
	d := a.ctx.DAL()
	validator := NewValidator()

	newcomers, err := d.FindNewcomers()
	if err != nil {
		return err
	}
	candidates := make([]strategy.Candidate, 0, len(newcomers))
	for _, ms := range newcomers {
		idty, err := d.GetIdentityByPubkeyOrNull(ms.Issuer)
		if err != nil {
			return err
		}
		if idty == nil {
			idty = &wot.Identity{Pubkey: ms.Issuer, Uid: ms.Userid, Time: ms.Certts,
				Hash: wot.IdentityHash(ms.Userid, ms.Certts, ms.Issuer)}
		}
		certs, err := d.CertsNotLinkedToTarget(ms.Issuer)
		if err != nil {
			return err
		}
		candidates = append(candidates, strategy.Candidate{Membership: ms, Identity: *idty, Certs: certs})
	}

	filter, err := strategy.Get(a.strategy)
	if err != nil {
		return err
	}
	admitted := filter(candidates, func(c strategy.Candidate, admittedSoFar []strategy.Candidate) bool {
		return a.isAdmissible(d, validator, params, c, admittedSoFar)
	})

	for _, c := range admitted {
		if !c.Identity.WasMember {
			b.Identities = append(b.Identities, c.Identity)
		}
		b.Joiners = append(b.Joiners, c.Membership)
		b.Certifications = append(b.Certifications, c.Certs...)
	}

	leavers, err := d.FindLeavers()
	if err != nil {
		return err
	}
	b.Leavers = leavers

	toBeKicked, err := d.GetToBeKicked()
	if err != nil {
		return err
	}
	b.Excluded = toBeKicked

	return nil
}

// isAdmissible checks whether c has both enough fresh certifications and a
// sentry path within StepMax hops, combining certifications already
// recorded in the DAL with those carried in c itself. It deliberately does
// not account for links other not-yet-processed candidates in the same
// pass would add — those only ever help, never hurt, admissibility, so
// ignoring them cannot wrongly admit anyone, only (rarely) defer an
// admission to a later pass of the same fixpoint iteration.
func (a *BlockAssembler) isAdmissible(d interface {
	GetValidLinksTo(string) ([]wot.Link, error)
}, validator *Validator, params *wot.Parameters, c strategy.Candidate, _ []strategy.Candidate) bool {
	existing, err := d.GetValidLinksTo(c.Membership.Issuer)
	if err != nil {
		return false
	}
	if len(existing)+len(c.Certs) < params.SigQty {
		return false
	}
	outdistanced, err := validator.IsOutdistanced(a.ctx.DAL(), c.Membership.Issuer, params)
	if err != nil {
		return false
	}
	return !outdistanced
}

// assembleTxs copies every pending transaction whose declared sources
// still resolve to an unspent output, dropping the rest silently: a
// source that disappeared since the transaction was queued (already spent
// by an earlier block) simply excludes it from this round.
func (a *BlockAssembler) assembleTxs(b *wot.Block) error {
	d := a.ctx.DAL()
	pending, err := d.GetTransactionsPending()
	if err != nil {
		return err
	}
	for _, tx := range pending {
		ok := true
		for _, in := range tx.Inputs {
			exists, err := d.SourceExists(in.Source)
			if err != nil {
				return err
			}
			if !exists {
				ok = false
				break
			}
		}
		if ok {
			b.Transactions = append(b.Transactions, tx)
		}
	}
	return nil
}

// computeDividend applies the uCoin-style growth formula: once Dt seconds
// have elapsed since the last dividend, UD becomes
// ceil(max(prevUD, C * monetaryMass / membersCount)), where membersCount is
// this block's own assembled member count (after joiners and exclusions),
// not the pre-block snapshot.
func (a *BlockAssembler) computeDividend(current *wot.Block, medianTime int64, membersCount int, params *wot.Parameters) (*uint64, int64, error) {
	d := a.ctx.DAL()
	last, err := d.LastUDBlock()
	if err != nil {
		return nil, 0, err
	}

	var lastUDTime int64
	var lastUD uint64 = params.UD0
	if last != nil && last.Dividend != nil {
		lastUD = *last.Dividend
		if last.UDTime != nil {
			lastUDTime = *last.UDTime
		}
	} else if current == nil {
		return nil, 0, nil // no dividend on the root block itself
	}

	if medianTime-lastUDTime < params.Dt {
		return nil, 0, nil
	}

	monetaryMass := uint64(0)
	if current != nil {
		monetaryMass = current.MonetaryMass
	}
	n := membersCount
	if n == 0 {
		n = 1
	}
	growth := math.Ceil(params.C * float64(monetaryMass) / float64(n))
	next := lastUD
	if uint64(growth) > next {
		next = uint64(growth)
	}
	return &next, medianTime, nil
}
