package consensus

import (
	"github.com/duniter-go/gonode/wot"
)

// SubmissionPipeline serializes the three independent activities that
// would otherwise race against the fork tree and PoW coordinator: block
// submission, mining requests, and stat bookkeeping. Each is a depth-1
// buffered channel acting as a single-slot FIFO — a caller blocks until
// the previous job in that lane has been picked up, giving natural
// backpressure without an unbounded queue.
type SubmissionPipeline struct {
	forkMgr   *ForkManager
	pow       *PoWCoordinator
	blockFifo chan submitJob
	powFifo   chan powJob
	statQueue chan func()
}

type submitJob struct {
	block *wot.Block
	reply chan submitResult
}

type submitResult struct {
	core *Core
	err  error
}

type powJob struct {
	run func()
}

// NewSubmissionPipeline creates a pipeline over forkMgr and starts its
// three worker goroutines. pow is notified to cancel any in-flight local
// mining whenever a block is submitted, since an admitted block can make
// the candidate a worker is currently hashing stale. Stop via Close once
// the node is shutting down.
func NewSubmissionPipeline(forkMgr *ForkManager, pow *PoWCoordinator) *SubmissionPipeline {
	p := &SubmissionPipeline{
		forkMgr:   forkMgr,
		pow:       pow,
		blockFifo: make(chan submitJob, 1),
		powFifo:   make(chan powJob, 1),
		statQueue: make(chan func(), 1),
	}
	go p.runBlocks()
	go p.runPoW()
	go p.runStats()
	return p
}

func (p *SubmissionPipeline) runBlocks() {
	for job := range p.blockFifo {
		if p.pow != nil {
			p.pow.Cancel()
		}
		core, err := p.forkMgr.Submit(job.block)
		job.reply <- submitResult{core: core, err: err}
	}
}

func (p *SubmissionPipeline) runPoW() {
	for job := range p.powFifo {
		job.run()
	}
}

func (p *SubmissionPipeline) runStats() {
	for job := range p.statQueue {
		job()
	}
}

// SubmitBlock enqueues b for fork-tree admission and blocks until it has
// been checked, added, and the fork tree's election/pruning pass has run.
func (p *SubmissionPipeline) SubmitBlock(b *wot.Block) (*Core, error) {
	reply := make(chan submitResult, 1)
	p.blockFifo <- submitJob{block: b, reply: reply}
	res := <-reply
	return res.core, res.err
}

// EnqueueProof serializes a mining request behind any already queued,
// ensuring at most one proof search is requested at a time even if
// multiple callers (an RPC call and the auto-generation loop) race.
func (p *SubmissionPipeline) EnqueueProof(run func()) {
	p.powFifo <- powJob{run: run}
}

// EnqueueStat serializes a stat-bookkeeping write behind any already
// queued, so concurrent block commits don't interleave counter updates.
func (p *SubmissionPipeline) EnqueueStat(job func()) {
	p.statQueue <- job
}

// Close stops all three worker goroutines. The pipeline must not be used
// afterwards.
func (p *SubmissionPipeline) Close() {
	close(p.blockFifo)
	close(p.powFifo)
	close(p.statQueue)
}
