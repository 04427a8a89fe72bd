package network

import (
	"encoding/json"
	"log"

	"github.com/duniter-go/gonode/consensus"
	"github.com/duniter-go/gonode/wot"
)

// GetBlocksRequest asks a peer for blocks starting at FromHeight.
type GetBlocksRequest struct {
	FromHeight int64 `json:"from_height"`
	Limit      int   `json:"limit"`
}

// BlocksResponse carries a batch of blocks.
type BlocksResponse struct {
	Blocks []*wot.Block `json:"blocks"`
}

// Syncer handles block synchronisation between nodes. Every received block
// is handed to the consensus service's submission pipeline, which performs
// validation, fork-tree admission, and promotion on its own.
type Syncer struct {
	node    *Node
	service *consensus.Service
}

// NewSyncer creates a Syncer that requests missing blocks from peers and
// feeds received blocks into service.
func NewSyncer(node *Node, service *consensus.Service) *Syncer {
	s := &Syncer{node: node, service: service}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// RequestBlocks asks peer for blocks starting at fromHeight.
func (s *Syncer) RequestBlocks(peer *Peer, fromHeight int64) error {
	req, err := json.Marshal(GetBlocksRequest{FromHeight: fromHeight, Limit: 50})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*wot.Block, 0, req.Limit)
	for h := req.FromHeight; h < req.FromHeight+int64(req.Limit); h++ {
		b, err := s.service.Promoted(h)
		if err != nil || b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	for _, b := range resp.Blocks {
		if err := s.service.SubmitBlock(b); err != nil {
			log.Printf("[sync] block %d submit failed: %v", b.Number, err)
			continue // skip this block, try the rest
		}
	}
}
