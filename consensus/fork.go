package consensus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/wot"
)

// Core is one unconfirmed block of the fork tree: a forked DAL view holding
// that block's writes over its parent's view, plus the ChainContext built
// over that view. Cores form a tree; the confirmed chain is not itself a Core.
type Core struct {
	Hash         string
	PreviousHash string
	Number       int64
	Parent       *Core // nil if forked directly off the confirmed chain
	Ctx          *ChainContext
}

// ForkManager owns the confirmed chain plus every live Core, enforcing the
// sliding-window admission and pruning rules: once the deepest branch tip
// is more than Window blocks beyond the confirmed tip, the lowest blocks of
// its branch are promoted into the confirmed chain and every core that does
// not descend from the still-unconfirmed rest of that branch is discarded.
type ForkManager struct {
	mu       sync.RWMutex
	mainCtx  *ChainContext
	cores    map[string]*Core // keyed by block hash
	window   int
	emitter  *events.Emitter
	validator *Validator
}

// NewForkManager creates a ForkManager over the confirmed chain in mainDAL.
func NewForkManager(mainCtx *ChainContext, window int, emitter *events.Emitter) *ForkManager {
	return &ForkManager{
		mainCtx:   mainCtx,
		cores:     make(map[string]*Core),
		window:    window,
		emitter:   emitter,
		validator: NewValidator(),
	}
}

// Main returns the confirmed chain's context.
func (fm *ForkManager) Main() *ChainContext {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.mainCtx
}

// Submit admits b into the fork tree: it must either extend the confirmed
// chain directly or extend some already-admitted Core. On success it
// returns the Core b now heads, after running election and pruning, or nil
// when that election promoted b into the confirmed chain or discarded it.
func (fm *ForkManager) Submit(b *wot.Block) (*Core, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	parentCtx, parent, err := fm.findParentLocked(b)
	if err != nil {
		return nil, err
	}

	forkedDAL := parentCtx.DAL().Fork()
	forkedCtx := NewChainContext(forkedDAL, parentCtx.Params())
	if err := forkedCtx.CheckBlock(b); err != nil {
		return nil, fmt.Errorf("fork check: %w", err)
	}
	if err := forkedCtx.AddBlock(b); err != nil {
		return nil, fmt.Errorf("fork add: %w", err)
	}

	core := &Core{Hash: b.Hash, PreviousHash: b.PreviousHash, Number: b.Number, Parent: parent, Ctx: forkedCtx}
	fm.cores[b.Hash] = core

	if fm.emitter != nil {
		fm.emitter.Emit(events.Event{Type: events.EventForkCreated, BlockHeight: b.Number,
			Data: map[string]any{"hash": b.Hash}})
	}

	if err := fm.electAndPruneLocked(); err != nil {
		return nil, err
	}
	return fm.cores[b.Hash], nil
}

func (fm *ForkManager) findParentLocked(b *wot.Block) (*ChainContext, *Core, error) {
	if parent, ok := fm.cores[b.PreviousHash]; ok {
		return parent.Ctx, parent, nil
	}
	current, err := fm.mainCtx.Current()
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		if wot.IsGenesisHash(b.PreviousHash) {
			return fm.mainCtx, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: no known parent for %s", wot.ErrPreviousNotFound, b.PreviousHash)
	}
	if current.Hash == b.PreviousHash {
		return fm.mainCtx, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", wot.ErrPreviousNotFound, b.PreviousHash)
}

// depth returns how many blocks c is ahead of the confirmed chain tip.
func (fm *ForkManager) depth(c *Core) int64 {
	mainTip, err := fm.mainCtx.Current()
	var mainNum int64 = -1
	if err == nil && mainTip != nil {
		mainNum = mainTip.Number
	}
	return c.Number - mainNum
}

// electAndPruneLocked finds the deepest core (tie-broken by the
// lexicographically greatest hash) and promotes it once it is more than
// window blocks beyond the confirmed tip; promoteLocked then discards the
// branches that lost.
func (fm *ForkManager) electAndPruneLocked() error {
	if len(fm.cores) == 0 {
		return nil
	}
	tips := fm.leafCoresLocked()
	if len(tips) == 0 {
		return nil
	}
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Number != tips[j].Number {
			return tips[i].Number > tips[j].Number
		}
		return tips[i].Hash > tips[j].Hash
	})
	winner := tips[0]

	if fm.depth(winner) <= int64(fm.window) {
		return nil
	}

	if err := fm.promoteLocked(winner); err != nil {
		return err
	}
	return nil
}

// leafCoresLocked returns every Core that is not itself somebody's parent:
// the set of branch tips.
func (fm *ForkManager) leafCoresLocked() []*Core {
	hasChild := map[string]bool{}
	for _, c := range fm.cores {
		if c.Parent != nil {
			hasChild[c.Parent.Hash] = true
		}
	}
	var leaves []*Core
	for _, c := range fm.cores {
		if !hasChild[c.Hash] {
			leaves = append(leaves, c)
		}
	}
	return leaves
}

// promoteLocked flushes only the bottom branchSize-window ancestors of
// winner into the confirmed chain, keeping the remaining window-deep
// ancestors alive as rebased cores: this is what makes the window "slide"
// rather than collapse to zero on every election. The rebased cores are
// reparented onto the new confirmed tip with SetRootDAL. Every other core
// that does not descend from the first rebased core is pruned: branches
// whose divergence point got flushed away, and branches that forked off the
// old confirmed tip beside the promoted blocks.
func (fm *ForkManager) promoteLocked(winner *Core) error {
	var chain []*Core
	for c := winner; c != nil; c = c.Parent {
		chain = append([]*Core{c}, chain...)
	}

	flushCount := len(chain) - fm.window
	if flushCount < 1 {
		flushCount = 1
	}
	if flushCount > len(chain) {
		flushCount = len(chain)
	}
	flushChain := chain[:flushCount]
	rebindChain := chain[flushCount:]

	flushed := map[string]bool{}
	for _, c := range flushChain {
		if err := c.Ctx.DAL().FlushTo(fm.mainCtx.DAL()); err != nil {
			return fmt.Errorf("promote %s: %w", c.Hash, err)
		}
		if fm.emitter != nil {
			fm.emitter.Emit(events.Event{Type: events.EventForkPromoted, BlockHeight: c.Number,
				Data: map[string]any{"hash": c.Hash}})
		}
		flushed[c.Hash] = true
		delete(fm.cores, c.Hash)
	}

	if len(rebindChain) > 0 {
		root := rebindChain[0]
		if err := root.Ctx.DAL().SetRootDAL(fm.mainCtx.DAL()); err != nil {
			return err
		}
		root.Parent = nil
	}

	survivors := map[string]bool{}
	for _, c := range chain {
		survivors[c.Hash] = true
	}

	var keepRoot *Core
	if len(rebindChain) > 0 {
		keepRoot = rebindChain[0]
	}
	for hash, c := range fm.cores {
		if survivors[hash] {
			continue
		}
		root := c
		for root.Parent != nil {
			root = root.Parent
		}
		if root == keepRoot && !hasFlushedAncestor(c, flushed) {
			continue
		}
		delete(fm.cores, hash)
		if fm.emitter != nil {
			fm.emitter.Emit(events.Event{Type: events.EventForkPruned, BlockHeight: c.Number,
				Data: map[string]any{"hash": c.Hash}})
		}
	}
	return nil
}

// hasFlushedAncestor reports whether c or any of its ancestors was just
// flushed into the confirmed chain: such branches diverged from a path
// that lost the election and can no longer be reconciled.
func hasFlushedAncestor(c *Core, flushed map[string]bool) bool {
	for p := c; p != nil; p = p.Parent {
		if flushed[p.Hash] {
			return true
		}
	}
	return false
}

// BranchInfo summarizes one live branch tip for external callers (RPC).
type BranchInfo struct {
	Hash   string `json:"hash"`
	Number int64  `json:"number"`
}

// Branches returns every current branch tip.
func (fm *ForkManager) Branches() []BranchInfo {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	leaves := fm.leafCoresLocked()
	out := make([]BranchInfo, len(leaves))
	for i, c := range leaves {
		out[i] = BranchInfo{Hash: c.Hash, Number: c.Number}
	}
	return out
}

// ContextFor returns the ChainContext a new block extending hash should be
// checked against: the confirmed chain if hash is its tip, or the matching
// Core otherwise.
func (fm *ForkManager) ContextFor(hash string) (*ChainContext, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	if c, ok := fm.cores[hash]; ok {
		return c.Ctx, nil
	}
	current, err := fm.mainCtx.Current()
	if err != nil {
		return nil, err
	}
	if current == nil || current.Hash == hash {
		return fm.mainCtx, nil
	}
	return nil, fmt.Errorf("%w: %s", wot.ErrPreviousNotFound, hash)
}
