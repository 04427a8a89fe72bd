package config

import (
	"fmt"

	"github.com/duniter-go/gonode/consensus"
	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

// BuildGenesisCandidates turns the config's founder list into the mutually
// certifying candidate set a manual root block requires: every founder
// certifies every other founder, since there is no WoT yet to draw
// certifications from.
func BuildGenesisCandidates(cfg *Config) []strategy.Candidate {
	founders := cfg.Genesis.Founders
	candidates := make([]strategy.Candidate, 0, len(founders))
	for _, f := range founders {
		idty := wot.Identity{
			Pubkey: f.Pubkey,
			Uid:    f.Uid,
			Hash:   wot.IdentityHash(f.Uid, 0, f.Pubkey),
		}
		ms := wot.Membership{
			Issuer:     f.Pubkey,
			Userid:     f.Uid,
			Number:     1,
			Membership: wot.MembershipIN,
		}
		var certs []wot.Certification
		for _, other := range founders {
			if other.Pubkey == f.Pubkey {
				continue
			}
			certs = append(certs, wot.Certification{From: other.Pubkey, To: f.Pubkey, BlockNumber: 0})
		}
		candidates = append(candidates, strategy.Candidate{Membership: ms, Identity: idty, Certs: certs})
	}
	return candidates
}

// CreateGenesisBlock assembles, mines, and signs block #0 from cfg's
// founder list and protocol parameters, then submits it to service.
func CreateGenesisBlock(cfg *Config, service *consensus.Service) (*wot.Block, error) {
	if len(cfg.Genesis.Founders) == 0 {
		return nil, fmt.Errorf("genesis: at least one founder is required")
	}
	candidates := BuildGenesisCandidates(cfg)
	root, err := service.GenerateManualRoot(candidates, cfg.Genesis.Parameters)
	if err != nil {
		return nil, fmt.Errorf("assemble root block: %w", err)
	}

	result, errc := service.Prove(root)
	var mined *wot.Block
	select {
	case b, ok := <-result:
		if !ok {
			return nil, fmt.Errorf("genesis mining cancelled")
		}
		mined = b
	case err := <-errc:
		return nil, fmt.Errorf("mine root block: %w", err)
	}

	if err := service.SubmitBlock(mined); err != nil {
		return nil, fmt.Errorf("submit root block: %w", err)
	}
	return mined, nil
}

// IsGenesisHash returns true if hash is the canonical genesis previous hash.
func IsGenesisHash(hash string) bool {
	return wot.IsGenesisHash(hash)
}
