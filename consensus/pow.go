package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/duniter-go/gonode/crypto"
	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/wot"
)

// PoWState is where a PoWCoordinator sits in its mining lifecycle.
type PoWState int

const (
	PoWIdle PoWState = iota
	PoWWaiting
	PoWProving
	PoWCancelling
)

func (s PoWState) String() string {
	switch s {
	case PoWIdle:
		return "idle"
	case PoWWaiting:
		return "waiting"
	case PoWProving:
		return "proving"
	case PoWCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// ProcessStats is a snapshot of the coordinator's mining progress,
// returned to RPC callers polling getPoWProcessStats.
type ProcessStats struct {
	State       PoWState `json:"state"`
	BlockNumber int64    `json:"block_number"`
	Nonce       uint64   `json:"nonce"`
	StartedAt   int64    `json:"started_at"`
}

// PoWCoordinator drives exactly one proof search at a time, cooperatively
// cancellable: a new Start or an explicit Cancel closes the running
// search's cancel channel, which the worker checks before every nonce and
// during its throttle sleep, rather than killing the goroutine outright.
type PoWCoordinator struct {
	mu          sync.Mutex
	state       PoWState
	cancelTok   chan struct{} // closed to request cancellation; nil when idle
	stopped     chan struct{} // closed by the worker once it has exited
	nonce       uint64
	blockNumber int64
	startedAt   int64
	cpuFraction float64
	emitter     *events.Emitter
}

// NewPoWCoordinator creates an idle coordinator. cpuFraction bounds how
// much of a CPU core the worker may occupy (see mine's self-throttling).
func NewPoWCoordinator(emitter *events.Emitter, cpuFraction float64) *PoWCoordinator {
	if cpuFraction <= 0 || cpuFraction > 1 {
		cpuFraction = 1
	}
	return &PoWCoordinator{state: PoWIdle, cpuFraction: cpuFraction, emitter: emitter}
}

// Stats returns a point-in-time snapshot of the coordinator's state.
func (p *PoWCoordinator) Stats() ProcessStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessStats{State: p.state, BlockNumber: p.blockNumber, Nonce: p.nonce, StartedAt: p.startedAt}
}

// Cancel requests the in-flight search stop. It is safe to call when idle.
func (p *PoWCoordinator) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
}

func (p *PoWCoordinator) cancelLocked() {
	if p.state != PoWProving || p.cancelTok == nil {
		return
	}
	p.state = PoWCancelling
	close(p.cancelTok)
}

// Start begins mining block at trialLevel, cancelling any search already
// in flight first. It returns a channel that receives the signed block on
// success and is closed without a value on cancellation, plus an error
// channel for unrecoverable failures.
func (p *PoWCoordinator) Start(block *wot.Block, trialLevel int, priv crypto.PrivateKey) (<-chan *wot.Block, <-chan error) {
	p.mu.Lock()
	p.cancelLocked()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped != nil {
		<-stopped // wait for any previous worker to acknowledge cancellation
	}

	result := make(chan *wot.Block, 1)
	errc := make(chan error, 1)

	p.mu.Lock()
	cancelTok := make(chan struct{})
	myStopped := make(chan struct{})
	p.cancelTok = cancelTok
	p.stopped = myStopped
	p.state = PoWProving
	p.blockNumber = block.Number
	p.nonce = block.Nonce
	p.startedAt = time.Now().Unix()
	p.mu.Unlock()

	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.EventPoWStarted, BlockHeight: block.Number,
			Data: map[string]any{"trial_level": trialLevel}})
	}

	go func() {
		defer close(myStopped)
		found, ok := mine(block, trialLevel, p.cpuFraction, cancelTok, func(nonce uint64, _ [32]byte) {
			p.mu.Lock()
			p.nonce = nonce
			p.mu.Unlock()
		})

		p.mu.Lock()
		p.state = PoWIdle
		p.mu.Unlock()

		if !ok {
			if p.emitter != nil {
				p.emitter.Emit(events.Event{Type: events.EventPoWCancelled, BlockHeight: block.Number})
			}
			close(result)
			return
		}
		found.Sign(priv)
		if p.emitter != nil {
			p.emitter.Emit(events.Event{Type: events.EventPoWFound, BlockHeight: found.Number,
				Data: map[string]any{"hash": found.Hash, "nonce": found.Nonce}})
		}
		result <- found
	}()

	return result, errc
}

// requiredTrialLevel is a small helper wrapping ChainContext.GetTrialLevel
// that returns its error wrapped, used by Service.Prove.
func requiredTrialLevel(ctx *ChainContext, issuer string) (int, error) {
	level, err := ctx.GetTrialLevel(issuer)
	if err != nil {
		return 0, fmt.Errorf("trial level: %w", err)
	}
	return level, nil
}
