package rpc

import (
	"encoding/json"
	"testing"

	"github.com/duniter-go/gonode/consensus"
	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/identity"
	"github.com/duniter-go/gonode/indexer"
	"github.com/duniter-go/gonode/internal/testutil"
	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

func newTestHandler(t *testing.T) (*Handler, *consensus.Service, *identity.Signer) {
	t.Helper()
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	mainCtx := consensus.NewChainContext(d, params)
	emitter := events.NewEmitter()
	signer, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	service := consensus.NewService(mainCtx, 0, emitter, strategy.Automatic, signer.PrivKey(), "test-currency", 1, 1.0)
	idx := indexer.New(d.Underlying(), emitter)
	return NewHandler(service, idx, "test-currency"), service, signer
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestDispatchUnknownMethod(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "doesNotExist"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestDispatchCurrentBeforeAnyBlockReturnsError(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "current"})
	if resp.Error == nil {
		t.Fatal("expected an error when there is no current block yet")
	}
}

func TestDispatchGenerateManualRootAndSubmit(t *testing.T) {
	h, service, signer := newTestHandler(t)

	candidates := []strategy.Candidate{{
		Membership: wot.Membership{Issuer: signer.Pubkey(), Userid: "founder", Number: 1, Membership: wot.MembershipIN},
		Identity:   wot.Identity{Pubkey: signer.Pubkey(), Uid: "founder", Hash: wot.IdentityHash("founder", 0, signer.Pubkey())},
	}}
	resp := h.Dispatch(Request{ID: 1, Method: "generateManualRoot", Params: mustParams(t, map[string]any{
		"founders":   candidates,
		"parameters": wot.DefaultParameters(),
	})})
	if resp.Error != nil {
		t.Fatalf("generateManualRoot: %+v", resp.Error)
	}

	var root wot.Block
	reencode(t, resp.Result, &root)

	mined, errc := service.Prove(&root)
	var b *wot.Block
	select {
	case m, ok := <-mined:
		if !ok {
			t.Fatal("mining cancelled")
		}
		b = m
	case err := <-errc:
		t.Fatalf("prove: %v", err)
	}

	submitResp := h.Dispatch(Request{ID: 2, Method: "submitBlock", Params: mustParams(t, b)})
	if submitResp.Error != nil {
		t.Fatalf("submitBlock: %+v", submitResp.Error)
	}

	curResp := h.Dispatch(Request{ID: 3, Method: "current"})
	if curResp.Error != nil {
		t.Fatalf("current: %+v", curResp.Error)
	}
	var cur wot.Block
	reencode(t, curResp.Result, &cur)
	if cur.Number != 0 {
		t.Fatalf("cur.Number = %d, want 0", cur.Number)
	}
}

func TestDispatchSubmitBlockRejectsCurrencyMismatch(t *testing.T) {
	h, _, signer := newTestHandler(t)
	b := wot.NewBlock(0, wot.GenesisHash, signer.Pubkey())
	b.Currency = "other-currency"
	b.Version = 1
	b.Parameters = wot.DefaultParameters()

	resp := h.Dispatch(Request{ID: 1, Method: "submitBlock", Params: mustParams(t, b)})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for a currency mismatch, got %+v", resp.Error)
	}
}

func TestDispatchRequirementsOfIdentityRejectsEmptyPubkey(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "requirementsOfIdentity", Params: mustParams(t, map[string]string{"pubkey": ""})})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for an empty pubkey, got %+v", resp.Error)
	}
}

func TestDispatchGetCertsReceivedEmptyIsNotAnError(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "getCertsReceived", Params: mustParams(t, map[string]string{"pubkey": "nobody"})})
	if resp.Error != nil {
		t.Fatalf("getCertsReceived: %+v", resp.Error)
	}
	var ids []string
	reencode(t, resp.Result, &ids)
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want empty", ids)
	}
}

func TestDispatchInvalidParamsJSON(t *testing.T) {
	h, _, _ := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "promoted", Params: json.RawMessage(`{not valid json`)})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for malformed params, got %+v", resp.Error)
	}
}

func reencode(t *testing.T, v any, out any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
