package consensus

import (
	"github.com/duniter-go/gonode/dal"
	"github.com/duniter-go/gonode/wot"
)

// statCounters names every per-counter bucket tracked across commits:
// newcomers, certs, joiners, actives, leavers, excluded, ud, tx.
const (
	statNewcomers = "newcomers"
	statCerts     = "certs"
	statJoiners   = "joiners"
	statActives   = "actives"
	statLeavers   = "leavers"
	statExcluded  = "excluded"
	statUD        = "ud"
	statTx        = "tx"
)

// StatTracker maintains the named counters spec'd for operator/monitoring
// consumption, updated through the pipeline's serialized stat lane so
// concurrent block commits cannot interleave a read-modify-write.
type StatTracker struct {
	d        dal.DAL
	pipeline *SubmissionPipeline
}

// NewStatTracker creates a tracker persisting into d via pipeline.
func NewStatTracker(d dal.DAL, pipeline *SubmissionPipeline) *StatTracker {
	return &StatTracker{d: d, pipeline: pipeline}
}

// RecomputeFromBlock derives every counter delta from b and enqueues the
// write; Service.AddStatComputing runs it for one block at a time, while
// Service.RecomputeTxRecords does not use it.
func (st *StatTracker) RecomputeFromBlock(b *wot.Block) {
	st.incr(statNewcomers, b.Number, len(b.Identities))
	st.incr(statCerts, b.Number, len(b.Certifications))
	st.incr(statJoiners, b.Number, len(b.Joiners))
	st.incr(statActives, b.Number, len(b.Actives))
	st.incr(statLeavers, b.Number, len(b.Leavers))
	st.incr(statExcluded, b.Number, len(b.Excluded))
	st.incr(statTx, b.Number, len(b.Transactions))
	if b.Dividend != nil {
		st.incr(statUD, b.Number, 1)
	}
}

func (st *StatTracker) incr(name string, blockNumber int64, delta int) {
	if delta == 0 {
		return
	}
	st.pipeline.EnqueueStat(func() {
		s, err := st.d.GetStat(name)
		if err != nil {
			return
		}
		s.Count += int64(delta)
		s.LastParsedBlock = blockNumber
		s.Blocks = append(s.Blocks, blockNumber)
		_ = st.d.SaveStat(s)
	})
}

// Get returns the current value of a named counter.
func (st *StatTracker) Get(name string) (dal.Stat, error) {
	return st.d.GetStat(name)
}
