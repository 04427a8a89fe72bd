package consensus

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/duniter-go/gonode/wot"
)

// nonceRecycleThreshold bounds how many nonces a single worker tries
// against one in-memory candidate before the block is recopied: a cheap
// way to keep the JSON-marshal scratch buffers inside ComputeHash from
// growing stale allocations over a long-running search.
const nonceRecycleThreshold = 1 << 20

// progressFingerprintEvery controls how often the worker emits a progress
// tick, computed via blake2b over (number, nonce) as a lightweight, fast
// digest distinct from the canonical SHA-256 block hash — used only for
// liveness reporting, never for the acceptance check.
const progressFingerprintEvery = 50_000

// batchSize is how many nonces the worker tries between self-throttle
// sleeps; cancellation is checked before every nonce.
const batchSize = 2000

// mine searches nonces starting from block.Nonce until ComputeHash yields
// at least ceil(trialLevel/4) leading hex zeros (matching
// Block.LeadingZeroNibbles), i.e. at least trialLevel leading zero bits, or
// until cancel is closed. cpuFraction
// in (0,1] self-throttles: after every batch the worker sleeps
// proportionally to how much of a full duty cycle it should yield back.
// progress, if non-nil, is called periodically with the current nonce.
func mine(block *wot.Block, trialLevel int, cpuFraction float64, cancel <-chan struct{}, progress func(nonce uint64, fingerprint [32]byte)) (*wot.Block, bool) {
	candidate := *block
	nonce := candidate.Nonce
	requiredNibbles := (trialLevel + 3) / 4
	if cpuFraction <= 0 || cpuFraction > 1 {
		cpuFraction = 1
	}

	triedSinceRecycle := 0
	for {
		batchStart := time.Now()
		for i := 0; i < batchSize; i++ {
			select {
			case <-cancel:
				return nil, false
			default:
			}

			candidate.Nonce = nonce
			candidate.Hash = candidate.ComputeHash()
			if candidate.LeadingZeroNibbles() >= requiredNibbles {
				return &candidate, true
			}

			if progress != nil && nonce%progressFingerprintEvery == 0 {
				progress(nonce, fingerprint(candidate.Number, nonce))
			}

			nonce++
			triedSinceRecycle++
			if triedSinceRecycle >= nonceRecycleThreshold {
				candidate = *block
				candidate.Nonce = nonce
				triedSinceRecycle = 0
			}
		}

		if cpuFraction < 1 {
			elapsed := time.Since(batchStart)
			idle := time.Duration(float64(elapsed) * (1/cpuFraction - 1))
			select {
			case <-cancel:
				return nil, false
			case <-time.After(idle):
			}
		}
	}
}

// fingerprint is the cheap blake2b liveness digest described above.
func fingerprint(number int64, nonce uint64) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(number))
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return blake2b.Sum256(buf[:])
}
