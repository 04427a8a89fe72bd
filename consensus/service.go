package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/duniter-go/gonode/crypto"
	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

// Requirements summarizes what an identity still needs to become (or stay)
// a member: the RPC-facing answer to "requirementsOfIdentity".
type Requirements struct {
	Pubkey          string `json:"pubkey"`
	Member          bool   `json:"member"`
	CertsReceived   int    `json:"certs_received"`
	CertsNeeded     int    `json:"certs_needed"`
	Outdistanced    bool   `json:"outdistanced"`
	MembershipValid bool   `json:"membership_valid"`
}

// Service is the public face of the consensus core: every operation named
// in the node's external contract is a method here, composing the
// ForkManager, BlockAssembler, PoWCoordinator, and SubmissionPipeline.
type Service struct {
	forkMgr   *ForkManager
	assembler *BlockAssembler
	pow       *PoWCoordinator
	pipeline  *SubmissionPipeline
	stats     *StatTracker
	emitter   *events.Emitter
	validator *Validator

	signer    crypto.PrivateKey
	issuerPub string
	currency  string
	version   int

	mu        sync.Mutex
	genCancel chan struct{}
}

// NewService wires a fresh consensus core over mainCtx (the confirmed
// chain), using strategyName to admit newcomers and signing mined blocks
// with priv.
func NewService(mainCtx *ChainContext, window int, emitter *events.Emitter, strategyName string, priv crypto.PrivateKey, currency string, version int, cpuFraction float64) *Service {
	mainCtx = mainCtx.WithEmitter(emitter)
	forkMgr := NewForkManager(mainCtx, window, emitter)
	pow := NewPoWCoordinator(emitter, cpuFraction)
	pipeline := NewSubmissionPipeline(forkMgr, pow)
	return &Service{
		forkMgr:   forkMgr,
		assembler: NewBlockAssembler(mainCtx, strategyName),
		pow:       pow,
		pipeline:  pipeline,
		stats:     NewStatTracker(mainCtx.DAL(), pipeline),
		emitter:   emitter,
		validator: NewValidator(),
		signer:    priv,
		issuerPub: priv.Public().Hex(),
		currency:  currency,
		version:   version,
	}
}

// SubmitBlock admits b into the fork tree and, once added, updates stats.
func (s *Service) SubmitBlock(b *wot.Block) error {
	_, err := s.pipeline.SubmitBlock(b)
	if err != nil {
		return err
	}
	s.stats.RecomputeFromBlock(b)
	return nil
}

// CheckBlock validates b against whichever fork it extends, without
// admitting it.
func (s *Service) CheckBlock(b *wot.Block) error {
	ctx, err := s.forkMgr.ContextFor(b.PreviousHash)
	if err != nil {
		return err
	}
	return ctx.CheckBlock(b)
}

// Current returns the confirmed chain's tip.
func (s *Service) Current() (*wot.Block, error) {
	return s.forkMgr.Main().Current()
}

// Promoted returns the confirmed block at number.
func (s *Service) Promoted(number int64) (*wot.Block, error) {
	return s.forkMgr.Main().DAL().GetPromoted(number)
}

// Branches lists every live fork-tree tip.
func (s *Service) Branches() []BranchInfo {
	return s.forkMgr.Branches()
}

// GenerateNext assembles (but does not mine or sign) the next candidate
// block from pending pools.
func (s *Service) GenerateNext() (*wot.Block, error) {
	return s.assembler.GenerateNext(s.issuerPub, s.currency, s.version)
}

// GenerateEmptyNextBlock assembles a next block carrying only the
// dividend, if one is due.
func (s *Service) GenerateEmptyNextBlock() (*wot.Block, error) {
	return s.assembler.GenerateEmptyNextBlock(s.issuerPub, s.currency, s.version)
}

// GenerateManualRoot assembles block #0 from an operator-supplied founder
// list and protocol parameters.
func (s *Service) GenerateManualRoot(founders []strategy.Candidate, params *wot.Parameters) (*wot.Block, error) {
	return s.assembler.GenerateManualRoot(s.issuerPub, s.currency, s.version, founders, params)
}

// MakeNextBlock assembles, mines, and signs the next block in one blocking
// call: the manual "make and prove right now" operation.
func (s *Service) MakeNextBlock() (*wot.Block, error) {
	candidate, err := s.GenerateNext()
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	result, errc := s.Prove(candidate)
	select {
	case b, ok := <-result:
		if !ok {
			return nil, fmt.Errorf("mining cancelled")
		}
		return b, nil
	case err := <-errc:
		return nil, err
	}
}

// Prove starts (or restarts) mining candidate at the issuer's current
// trial level, serialized behind the pipeline's PoW lane.
func (s *Service) Prove(candidate *wot.Block) (<-chan *wot.Block, <-chan error) {
	result := make(chan *wot.Block, 1)
	errc := make(chan error, 1)
	s.pipeline.EnqueueProof(func() {
		trial, err := requiredTrialLevel(s.forkMgr.Main(), s.issuerPub)
		if err != nil {
			errc <- err
			return
		}
		candidate.PowMin = trial
		r, e := s.pow.Start(candidate, trial, s.signer)
		go func() {
			select {
			case b, ok := <-r:
				if ok {
					result <- b
				} else {
					close(result)
				}
			case err := <-e:
				errc <- err
			}
		}()
	})
	return result, errc
}

// StopProof cancels any in-flight mining.
func (s *Service) StopProof() {
	s.pow.Cancel()
}

// GetPoWProcessStats returns the current mining state snapshot.
func (s *Service) GetPoWProcessStats() ProcessStats {
	return s.pow.Stats()
}

// StartGeneration runs a background loop that assembles, mines, and
// submits a new block every interval, stopping when StopGeneration is called.
func (s *Service) StartGeneration(interval time.Duration) {
	s.mu.Lock()
	if s.genCancel != nil {
		s.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	s.genCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				b, err := s.MakeNextBlock()
				if err != nil {
					continue
				}
				_ = s.SubmitBlock(b)
			}
		}
	}()
}

// StopGeneration halts the background generation loop started by
// StartGeneration, if any.
func (s *Service) StopGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genCancel != nil {
		close(s.genCancel)
		s.genCancel = nil
	}
}

// RequirementsOfIdentity reports what pubkey still needs to join or remain
// a member.
func (s *Service) RequirementsOfIdentity(pubkey string) (*Requirements, error) {
	ctx := s.forkMgr.Main()
	d := ctx.DAL()
	params := ctx.Params()

	idty, err := d.GetIdentityByPubkeyOrNull(pubkey)
	if err != nil {
		return nil, err
	}
	received, err := d.GetValidLinksTo(pubkey)
	if err != nil {
		return nil, err
	}
	outdistanced, err := s.validator.IsOutdistanced(d, pubkey, params)
	if err != nil {
		return nil, err
	}

	req := &Requirements{
		Pubkey:        pubkey,
		CertsReceived: len(received),
		CertsNeeded:   params.SigQty,
		Outdistanced:  outdistanced,
	}
	if idty != nil {
		req.Member = idty.Member
		req.MembershipValid = idty.Member
	}
	return req, nil
}

// RecomputeTxRecords drops the pending-transaction bookkeeping (e.g. after
// a restart found the pool in an inconsistent state); nothing is rebuilt.
func (s *Service) RecomputeTxRecords() error {
	return s.forkMgr.Main().DAL().DropTxRecords()
}

// AddStatComputing folds b's contribution into the per-counter stats.
func (s *Service) AddStatComputing(b *wot.Block) {
	s.stats.RecomputeFromBlock(b)
}

// GetCertificationsExcludingBlock returns every pending certification whose
// basis block is not number.
func (s *Service) GetCertificationsExcludingBlock(number int64) ([]wot.Certification, error) {
	return s.forkMgr.Main().DAL().GetCertificationExcludingBlock(number)
}
