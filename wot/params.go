package wot

// Parameters carries the protocol constants fixed at currency genesis
// (block #0) and referenced by every subsequent block. They are immutable
// for the lifetime of the currency.
type Parameters struct {
	C                float64 `json:"c"`                  // UD growth ratio per dt
	Dt               int64   `json:"dt"`                 // seconds between UD computations
	UD0              uint64  `json:"ud0"`                // initial dividend
	SigDelay         int64   `json:"sig_delay"`          // seconds before a link can be replayed
	SigValidity      int64   `json:"sig_validity"`       // seconds a certification stays valid
	SigQty           int     `json:"sig_qty"`            // minimum incoming certs for a newcomer
	SigWoT           int     `json:"sig_wot"`             // outgoing links required to become a sentry
	MsValidity       int64   `json:"ms_validity"`        // seconds a membership stays valid
	StepMax          int     `json:"step_max"`           // max hops from a sentry
	MedianTimeBlocks int     `json:"median_time_blocks"` // window for median-time computation
	AvgGenTime       int64   `json:"avg_gen_time"`       // target seconds between blocks
	DtDiffEval       int     `json:"dt_diff_eval"`       // blocks between difficulty re-evaluations
	BlocksRot        int     `json:"blocks_rot"`         // window for personal trial rotation
	PercentRot       float64 `json:"percent_rot"`        // rotation threshold percentage
}

// DefaultParameters returns sane development defaults, used by DefaultConfig
// and by tests that don't care about exact protocol tuning.
func DefaultParameters() *Parameters {
	return &Parameters{
		C:                0.0488,
		Dt:               86400,
		UD0:              1000,
		SigDelay:         3600 * 24 * 365 * 5,
		SigValidity:      3600 * 24 * 365,
		SigQty:           5,
		SigWoT:           5,
		MsValidity:       3600 * 24 * 365,
		StepMax:          5,
		MedianTimeBlocks: 20,
		AvgGenTime:       300,
		DtDiffEval:       10,
		BlocksRot:        20,
		PercentRot:       0.67,
	}
}
