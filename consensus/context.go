package consensus

import (
	"fmt"
	"sort"

	"github.com/duniter-go/gonode/dal"
	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/wot"
)

// ChainContext is the validated, mutable view of one fork: a DAL (confirmed
// chain or a forked overlay) plus the protocol Parameters pinned at the
// root block. Every Core in the fork tree owns exactly one ChainContext.
type ChainContext struct {
	d         dal.DAL
	params    *wot.Parameters
	validator *Validator
	emitter   *events.Emitter
}

// NewChainContext wraps d. params must come from the root block (Number 0)
// reachable through d.
func NewChainContext(d dal.DAL, params *wot.Parameters) *ChainContext {
	return &ChainContext{d: d, params: params, validator: NewValidator()}
}

// WithEmitter attaches emitter so AddBlock emits domain events; returns c
// for chaining.
func (c *ChainContext) WithEmitter(emitter *events.Emitter) *ChainContext {
	c.emitter = emitter
	return c
}

func (c *ChainContext) DAL() dal.DAL             { return c.d }
func (c *ChainContext) Params() *wot.Parameters  { return c.params }
func (c *ChainContext) Current() (*wot.Block, error) {
	return c.d.GetCurrentBlockOrNull()
}

// CheckBlock runs local then global validation of b against this context.
func (c *ChainContext) CheckBlock(b *wot.Block) error {
	if err := c.validator.LocalCheck(b, nil); err != nil {
		return err
	}
	return c.validator.GlobalCheck(c.d, b, c.params)
}

// AddBlock persists every effect of b: identities, memberships, links,
// exclusions, transaction sources, and the block itself. Callers must have
// called CheckBlock successfully first.
func (c *ChainContext) AddBlock(b *wot.Block) error {
	for _, idty := range b.Identities {
		if err := c.d.SaveIdentity(idty); err != nil {
			return fmt.Errorf("save identity %s: %w", idty.Uid, err)
		}
		c.emit(events.EventIdentityJoined, map[string]any{"pubkey": idty.Pubkey, "uid": idty.Uid, "block_number": b.Number})
	}

	for _, ms := range b.Joiners {
		idty, err := c.d.GetIdentityByPubkeyOrNull(ms.Issuer)
		if err != nil {
			return err
		}
		if idty == nil {
			idty = &wot.Identity{Pubkey: ms.Issuer, Uid: ms.Userid, Time: ms.Certts}
		}
		idty.Member = true
		idty.WasMember = true
		idty.CurrentMSN = ms.Number
		if err := c.d.SaveIdentity(*idty); err != nil {
			return err
		}
		c.emit(events.EventMembershipNew, map[string]any{"pubkey": ms.Issuer, "block_number": b.Number})
	}
	for _, ms := range b.Actives {
		idty, err := c.d.GetIdentityByPubkeyOrNull(ms.Issuer)
		if err != nil {
			return err
		}
		if idty != nil {
			idty.CurrentMSN = ms.Number
			if err := c.d.SaveIdentity(*idty); err != nil {
				return err
			}
		}
	}
	for _, ms := range b.Leavers {
		idty, err := c.d.GetIdentityByPubkeyOrNull(ms.Issuer)
		if err != nil {
			return err
		}
		if idty != nil {
			idty.Member = false
			if err := c.d.SaveIdentity(*idty); err != nil {
				return err
			}
		}
		c.emit(events.EventMembershipOut, map[string]any{"pubkey": ms.Issuer, "block_number": b.Number})
	}
	for _, pubkey := range b.Excluded {
		idty, err := c.d.GetIdentityByPubkeyOrNull(pubkey)
		if err != nil {
			return err
		}
		if idty != nil {
			idty.Member = false
			if err := c.d.SaveIdentity(*idty); err != nil {
				return err
			}
		}
		if err := c.revokeAllLinks(pubkey); err != nil {
			return err
		}
		c.emit(events.EventMemberExcluded, map[string]any{"pubkey": pubkey, "block_number": b.Number})
	}

	for _, cert := range b.Certifications {
		if err := c.d.RegisterNewCertification(cert, b.MedianTime); err != nil {
			return err
		}
		c.emit(events.EventCertAdded, map[string]any{"from": cert.From, "to": cert.To, "block_number": b.Number})
	}

	if b.Dividend != nil {
		if err := applyDividend(c.d, c.emitter, b.Number, *b.Dividend); err != nil {
			return err
		}
	}

	for i := range b.Transactions {
		if err := applyTransaction(c.d, c.emitter, b.Number, &b.Transactions[i]); err != nil {
			return err
		}
	}

	return c.d.PutBlock(b)
}

func (c *ChainContext) emit(typ events.EventType, data map[string]any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(events.Event{Type: typ, Data: data})
}

func (c *ChainContext) revokeAllLinks(pubkey string) error {
	out, err := c.d.GetValidLinksFrom(pubkey)
	if err != nil {
		return err
	}
	for _, l := range out {
		if err := c.d.RemoveLink(l.From, l.To); err != nil {
			return err
		}
	}
	in, err := c.d.GetValidLinksTo(pubkey)
	if err != nil {
		return err
	}
	for _, l := range in {
		if err := c.d.RemoveLink(l.From, l.To); err != nil {
			return err
		}
	}
	return nil
}

// GetMedianTime returns the median of the MedianTime values of the
// MedianTimeBlocks most recent blocks (of all blocks, while fewer exist);
// for an even count it takes the upper of the two middle values.
func (c *ChainContext) GetMedianTime() (int64, error) {
	current, err := c.d.GetCurrentBlockOrNull()
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, nil
	}
	window := c.params.MedianTimeBlocks
	if window <= 0 {
		window = 1
	}
	times := make([]int64, 0, window)
	for n := current.Number; n >= 0 && len(times) < window; n-- {
		b, err := c.d.GetBlockOrNull(n)
		if err != nil {
			return 0, err
		}
		if b == nil {
			break
		}
		times = append(times, b.MedianTime)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2], nil
}

func intMax1(a int) int {
	if a < 1 {
		return 1
	}
	return a
}

// GetPoWMin computes the difficulty floor (in leading bits) for the next
// block, re-evaluated every DtDiffEval blocks by comparing the actual
// average generation time over the window to AvgGenTime.
func (c *ChainContext) GetPoWMin() (int, error) {
	current, err := c.d.GetCurrentBlockOrNull()
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, nil
	}
	if current.Number%int64(intMax1(c.params.DtDiffEval)) != 0 {
		return current.PowMin, nil
	}
	windowStart := current.Number - int64(c.params.DtDiffEval)
	if windowStart < 0 {
		return current.PowMin, nil
	}
	start, err := c.d.GetBlockOrNull(windowStart)
	if err != nil || start == nil {
		return current.PowMin, nil
	}
	elapsed := current.MedianTime - start.MedianTime
	target := c.params.AvgGenTime * int64(c.params.DtDiffEval)
	if elapsed <= 0 {
		elapsed = 1
	}
	switch {
	case elapsed < target*2/3:
		return current.PowMin + 1, nil
	case elapsed > target*3/2 && current.PowMin > 0:
		return current.PowMin - 1, nil
	default:
		return current.PowMin, nil
	}
}

// GetTrialLevel returns the personal difficulty (in leading bits) issuer
// must meet: GetPoWMin, plus one when the share of the last BlocksRot
// blocks that issuer produced exceeds PercentRot, discouraging repeated
// back-to-back authorship by the same member.
func (c *ChainContext) GetTrialLevel(issuer string) (int, error) {
	powMin, err := c.GetPoWMin()
	if err != nil {
		return 0, err
	}
	current, err := c.d.GetCurrentBlockOrNull()
	if err != nil {
		return 0, err
	}
	if current == nil || c.params.BlocksRot <= 0 {
		return powMin, nil
	}
	produced := 0
	windowStart := current.Number - int64(c.params.BlocksRot) + 1
	if windowStart < 0 {
		windowStart = 0
	}
	for n := current.Number; n >= windowStart; n-- {
		b, err := c.d.GetBlockOrNull(n)
		if err != nil {
			return 0, err
		}
		if b == nil {
			break
		}
		if b.Issuer == issuer {
			produced++
		}
	}
	ratio := float64(produced) / float64(c.params.BlocksRot)
	if ratio > c.params.PercentRot {
		return powMin + 1, nil
	}
	return powMin, nil
}
