package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/duniter-go/gonode/consensus"
	"github.com/duniter-go/gonode/indexer"
	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

func intervalSeconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	service *consensus.Service
	indexer *indexer.Indexer
	chainID string // expected currency; used to reject cross-chain replay transactions
}

// NewHandler creates an RPC Handler.
func NewHandler(service *consensus.Service, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{service: service, indexer: idx, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "current":
		return h.current(req)

	case "promoted":
		return h.promoted(req)

	case "branches":
		return okResponse(req.ID, h.service.Branches())

	case "submitBlock":
		return h.submitBlock(req)

	case "checkBlock":
		return h.checkBlock(req)

	case "generateNext":
		return h.generateNext(req)

	case "generateEmptyNextBlock":
		return h.generateEmptyNextBlock(req)

	case "generateManualRoot":
		return h.generateManualRoot(req)

	case "makeNextBlock":
		return h.makeNextBlock(req)

	case "startGeneration":
		return h.startGeneration(req)

	case "stopGeneration":
		h.service.StopGeneration()
		return okResponse(req.ID, true)

	case "stopProof":
		h.service.StopProof()
		return okResponse(req.ID, true)

	case "getPoWProcessStats":
		return okResponse(req.ID, h.service.GetPoWProcessStats())

	case "requirementsOfIdentity":
		return h.requirementsOfIdentity(req)

	case "recomputeTxRecords":
		if err := h.service.RecomputeTxRecords(); err != nil {
			return errResponse(req.ID, CodeInternalError, err.Error())
		}
		return okResponse(req.ID, true)

	case "getCertificationsExcludingBlock":
		return h.getCertificationsExcludingBlock(req)

	case "getCertsReceived":
		return h.getCertsReceived(req)

	case "getCertsGiven":
		return h.getCertsGiven(req)

	case "getMembershipLog":
		return h.getMembershipLog(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) current(req Request) Response {
	b, err := h.service.Current()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if b == nil {
		return errResponse(req.ID, CodeInternalError, "no current block")
	}
	return okResponse(req.ID, b)
}

func (h *Handler) promoted(req Request) Response {
	var params struct {
		Number int64 `json:"number"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	b, err := h.service.Promoted(params.Number)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if b == nil {
		return errResponse(req.ID, CodeInternalError, "no such block")
	}
	return okResponse(req.ID, b)
}

func (h *Handler) submitBlock(req Request) Response {
	var b wot.Block
	if err := json.Unmarshal(req.Params, &b); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if b.Currency != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("currency mismatch: got %q want %q", b.Currency, h.chainID))
	}
	if err := h.service.SubmitBlock(&b); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"hash": b.Hash})
}

func (h *Handler) checkBlock(req Request) Response {
	var b wot.Block
	if err := json.Unmarshal(req.Params, &b); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.service.CheckBlock(&b); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, true)
}

func (h *Handler) generateNext(req Request) Response {
	b, err := h.service.GenerateNext()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, b)
}

func (h *Handler) generateEmptyNextBlock(req Request) Response {
	b, err := h.service.GenerateEmptyNextBlock()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, b)
}

func (h *Handler) generateManualRoot(req Request) Response {
	var params struct {
		Founders   []strategy.Candidate `json:"founders"`
		Parameters *wot.Parameters      `json:"parameters"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Parameters == nil {
		return errResponse(req.ID, CodeInvalidParams, "parameters is required")
	}
	b, err := h.service.GenerateManualRoot(params.Founders, params.Parameters)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, b)
}

func (h *Handler) makeNextBlock(req Request) Response {
	b, err := h.service.MakeNextBlock()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, b)
}

func (h *Handler) startGeneration(req Request) Response {
	var params struct {
		IntervalSeconds int `json:"interval_seconds"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.IntervalSeconds <= 0 {
		params.IntervalSeconds = 1
	}
	h.service.StartGeneration(intervalSeconds(params.IntervalSeconds))
	return okResponse(req.ID, true)
}

func (h *Handler) requirementsOfIdentity(req Request) Response {
	var params struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Pubkey == "" {
		return errResponse(req.ID, CodeInvalidParams, "pubkey is required")
	}
	r, err := h.service.RequirementsOfIdentity(params.Pubkey)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, r)
}

func (h *Handler) getCertificationsExcludingBlock(req Request) Response {
	var params struct {
		Number int64 `json:"number"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	certs, err := h.service.GetCertificationsExcludingBlock(params.Number)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, certs)
}

func (h *Handler) getCertsReceived(req Request) Response {
	var params struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	ids, err := h.indexer.GetCertsReceived(params.Pubkey)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getCertsGiven(req Request) Response {
	var params struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	ids, err := h.indexer.GetCertsGiven(params.Pubkey)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getMembershipLog(req Request) Response {
	var params struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	entries, err := h.indexer.GetMembershipLog(params.Pubkey)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, entries)
}
