package consensus

import (
	"testing"
	"time"

	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/identity"
	"github.com/duniter-go/gonode/internal/testutil"
	"github.com/duniter-go/gonode/strategy"
	"github.com/duniter-go/gonode/wot"
)

func proveAndWait(t *testing.T, service *Service, b *wot.Block) *wot.Block {
	t.Helper()
	result, errc := service.Prove(b)
	select {
	case mined, ok := <-result:
		if !ok {
			t.Fatal("mining cancelled unexpectedly")
		}
		return mined
	case err := <-errc:
		t.Fatalf("mining failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for proof")
	}
	return nil
}

func mustSignedBlock(signer *identity.Signer, number int64, prevHash, currency string, version int, medianTime int64, params *wot.Parameters) *wot.Block {
	b := wot.NewBlock(number, prevHash, signer.Pubkey())
	b.Version = version
	b.Currency = currency
	b.MedianTime = medianTime
	b.PowMin = 0
	if number == 0 {
		b.Parameters = params
	}
	signer.SignBlock(b)
	return b
}

func TestSubmitBlockCancelsInFlightLocalMining(t *testing.T) {
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	mainCtx := NewChainContext(d, params)
	emitter := events.NewEmitter()
	founder, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate founder: %v", err)
	}
	service := NewService(mainCtx, 0, emitter, strategy.Automatic, founder.PrivKey(), "test-currency", 1, 1.0)

	candidates := []strategy.Candidate{{
		Membership: wot.Membership{Issuer: founder.Pubkey(), Userid: "founder", Number: 1, Membership: wot.MembershipIN},
		Identity:   wot.Identity{Pubkey: founder.Pubkey(), Uid: "founder", Hash: wot.IdentityHash("founder", 0, founder.Pubkey())},
	}}
	root, err := service.GenerateManualRoot(candidates, params)
	if err != nil {
		t.Fatalf("GenerateManualRoot: %v", err)
	}
	mined := proveAndWait(t, service, root)
	if err := service.SubmitBlock(mined); err != nil {
		t.Fatalf("submit root: %v", err)
	}

	candidate, err := service.GenerateNext()
	if err != nil {
		t.Fatalf("GenerateNext: %v", err)
	}
	// A trial level this high is never satisfied in the time it takes this
	// test to submit a competitor, so a value on result would mean
	// SubmitBlock failed to cancel it.
	result, errc := service.pow.Start(candidate, 64, service.signer)

	competitor, err := service.GenerateNext()
	if err != nil {
		t.Fatalf("GenerateNext (competitor): %v", err)
	}
	founder.SignBlock(competitor) // externally-arrived block, never touches the busy coordinator

	if err := service.SubmitBlock(competitor); err != nil {
		t.Fatalf("SubmitBlock(competitor): %v", err)
	}

	select {
	case b, ok := <-result:
		if ok {
			t.Fatalf("expected local mining to be cancelled by SubmitBlock, got mined block %+v", b)
		}
	case err := <-errc:
		t.Fatalf("unexpected mining error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SubmitBlock to cancel in-flight mining")
	}
}

func TestGenerateManualRootAndSubmit(t *testing.T) {
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	mainCtx := NewChainContext(d, params)
	emitter := events.NewEmitter()
	founder, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate founder: %v", err)
	}
	service := NewService(mainCtx, 0, emitter, strategy.Automatic, founder.PrivKey(), "test-currency", 1, 1.0)

	candidates := []strategy.Candidate{{
		Membership: wot.Membership{Issuer: founder.Pubkey(), Userid: "founder", Number: 1, Membership: wot.MembershipIN},
		Identity:   wot.Identity{Pubkey: founder.Pubkey(), Uid: "founder", Hash: wot.IdentityHash("founder", 0, founder.Pubkey())},
	}}
	root, err := service.GenerateManualRoot(candidates, params)
	if err != nil {
		t.Fatalf("GenerateManualRoot: %v", err)
	}
	if root.Number != 0 {
		t.Fatalf("root.Number = %d, want 0", root.Number)
	}

	mined := proveAndWait(t, service, root)
	if err := service.SubmitBlock(mined); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	cur, err := service.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur == nil || cur.Number != 0 {
		t.Fatalf("expected confirmed root block, got %+v", cur)
	}
}

func TestAutomaticAssemblyAdmitsNewcomerAndIssuesDividend(t *testing.T) {
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	params.SigQty = 1
	params.Dt = 0 // dividend due every block
	params.C = 0.05
	params.UD0 = 100
	mainCtx := NewChainContext(d, params)
	emitter := events.NewEmitter()
	founder, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate founder: %v", err)
	}
	service := NewService(mainCtx, 0, emitter, strategy.Automatic, founder.PrivKey(), "test-currency", 1, 1.0)

	candidates := []strategy.Candidate{{
		Membership: wot.Membership{Issuer: founder.Pubkey(), Userid: "founder", Number: 1, Membership: wot.MembershipIN},
		Identity:   wot.Identity{Pubkey: founder.Pubkey(), Uid: "founder", Hash: wot.IdentityHash("founder", 0, founder.Pubkey())},
	}}
	root, err := service.GenerateManualRoot(candidates, params)
	if err != nil {
		t.Fatalf("GenerateManualRoot: %v", err)
	}
	mined := proveAndWait(t, service, root)
	if err := service.SubmitBlock(mined); err != nil {
		t.Fatalf("submit root: %v", err)
	}

	newcomer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate newcomer: %v", err)
	}
	if err := d.SavePendingMembership(wot.Membership{
		Issuer: newcomer.Pubkey(), Userid: "newcomer", Number: 1, Membership: wot.MembershipIN,
	}); err != nil {
		t.Fatalf("stage newcomer membership: %v", err)
	}
	if err := d.SavePendingCert(founder.NewCertification(newcomer.Pubkey(), mined.Number)); err != nil {
		t.Fatalf("stage founder cert: %v", err)
	}

	next, err := service.GenerateNext()
	if err != nil {
		t.Fatalf("GenerateNext: %v", err)
	}
	admitted := false
	for _, j := range next.Joiners {
		if j.Issuer == newcomer.Pubkey() {
			admitted = true
		}
	}
	if !admitted {
		t.Fatalf("expected newcomer %s to be admitted, joiners: %+v", newcomer.Pubkey(), next.Joiners)
	}
	if next.Dividend == nil {
		t.Fatal("expected a dividend given Dt=0")
	}
	// With zero monetary mass, growth = ceil(C * 0 / N) = 0, so the
	// dividend must stay at UD0 rather than drift to UD0+1.
	if *next.Dividend != params.UD0 {
		t.Fatalf("next.Dividend = %d, want %d (UD0, since growth does not exceed it)", *next.Dividend, params.UD0)
	}

	finalBlock := proveAndWait(t, service, next)
	if err := service.SubmitBlock(finalBlock); err != nil {
		t.Fatalf("submit next block: %v", err)
	}

	cur, err := service.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Number != 1 {
		t.Fatalf("cur.Number = %d, want 1", cur.Number)
	}
	idty, err := d.GetIdentityByPubkeyOrNull(newcomer.Pubkey())
	if err != nil {
		t.Fatalf("GetIdentityByPubkeyOrNull: %v", err)
	}
	if idty == nil || !idty.Member {
		t.Fatalf("expected newcomer to be a confirmed member, got %+v", idty)
	}
}

func TestWindowZeroPromotesImmediately(t *testing.T) {
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	mainCtx := NewChainContext(d, params)
	emitter := events.NewEmitter()
	signer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	service := NewService(mainCtx, 0, emitter, strategy.Automatic, signer.PrivKey(), "test", 1, 1.0)

	root := mustSignedBlock(signer, 0, wot.GenesisHash, "test", 1, 1000, params)
	if err := service.SubmitBlock(root); err != nil {
		t.Fatalf("submit root: %v", err)
	}
	cur, err := service.Current()
	if err != nil || cur == nil || cur.Number != 0 {
		t.Fatalf("expected immediate confirmation of root, got %+v, err=%v", cur, err)
	}

	b1 := mustSignedBlock(signer, 1, root.Hash, "test", 1, 1000, nil)
	if err := service.SubmitBlock(b1); err != nil {
		t.Fatalf("submit b1: %v", err)
	}
	cur, _ = service.Current()
	if cur.Number != 1 {
		t.Fatalf("cur.Number = %d, want 1", cur.Number)
	}

	b2 := mustSignedBlock(signer, 2, b1.Hash, "test", 1, 1000, nil)
	if err := service.SubmitBlock(b2); err != nil {
		t.Fatalf("submit b2: %v", err)
	}
	cur, _ = service.Current()
	if cur.Number != 2 {
		t.Fatalf("cur.Number = %d, want 2", cur.Number)
	}

	if branches := service.Branches(); len(branches) != 0 {
		t.Fatalf("expected no live branches once every block is immediately promoted, got %v", branches)
	}
}

func TestSlidingWindowForkAndPromotion(t *testing.T) {
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	mainCtx := NewChainContext(d, params)
	emitter := events.NewEmitter()
	signerA, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate signerA: %v", err)
	}
	service := NewService(mainCtx, 2, emitter, strategy.Automatic, signerA.PrivKey(), "test", 1, 1.0)

	root := mustSignedBlock(signerA, 0, wot.GenesisHash, "test", 1, 1000, params)
	if err := service.SubmitBlock(root); err != nil {
		t.Fatalf("submit root: %v", err)
	}
	if cur, _ := service.Current(); cur != nil {
		t.Fatalf("expected root to stay unconfirmed under the sliding window, got %+v", cur)
	}

	signerB, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate signerB: %v", err)
	}
	a1 := mustSignedBlock(signerA, 1, root.Hash, "test", 1, 1000, nil)
	if err := service.SubmitBlock(a1); err != nil {
		t.Fatalf("submit a1: %v", err)
	}
	b1 := mustSignedBlock(signerB, 1, root.Hash, "test", 1, 1000, nil)
	if err := service.SubmitBlock(b1); err != nil {
		t.Fatalf("submit b1: %v", err)
	}

	branches := service.Branches()
	if len(branches) != 2 {
		t.Fatalf("expected two competing branch tips, got %v", branches)
	}

	// a2 pushes the A branch to depth 3 under a window of 2, triggering
	// the first election. Only the bottom branchSize-window=1 ancestor
	// (root) gets confirmed; a1 and a2 survive as rebased cores rather
	// than the whole branch collapsing onto the confirmed chain.
	a2 := mustSignedBlock(signerA, 2, a1.Hash, "test", 1, 1000, nil)
	if err := service.SubmitBlock(a2); err != nil {
		t.Fatalf("submit a2: %v", err)
	}

	cur, err := service.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur == nil || cur.Number != 0 || cur.Hash != root.Hash {
		t.Fatalf("expected only the root confirmed by the first election, got %+v", cur)
	}
	branches = service.Branches()
	if len(branches) != 1 || branches[0].Hash != a2.Hash {
		t.Fatalf("expected a2 to survive as the sole rebased branch tip (B branch pruned), got %v", branches)
	}

	// a3 slides the window forward by exactly one more block: a1 now
	// confirms, a2/a3 remain live as the rebased window.
	a3 := mustSignedBlock(signerA, 3, a2.Hash, "test", 1, 1000, nil)
	if err := service.SubmitBlock(a3); err != nil {
		t.Fatalf("submit a3: %v", err)
	}
	cur, err = service.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur == nil || cur.Number != 1 || cur.Hash != a1.Hash {
		t.Fatalf("expected the window to slide forward by exactly one block, got %+v", cur)
	}
	branches = service.Branches()
	if len(branches) != 1 || branches[0].Hash != a3.Hash {
		t.Fatalf("expected a3 to be the sole surviving branch tip, got %v", branches)
	}
}

func TestMainForkTieBreakOnEqualHeight(t *testing.T) {
	d := testutil.NewDAL()
	params := wot.DefaultParameters()
	mainCtx := NewChainContext(d, params)
	fm := NewForkManager(mainCtx, 100, nil)

	signerA, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate signerA: %v", err)
	}
	signerB, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate signerB: %v", err)
	}

	root := mustSignedBlock(signerA, 0, wot.GenesisHash, "test", 1, 1000, params)
	if _, err := fm.Submit(root); err != nil {
		t.Fatalf("submit root: %v", err)
	}
	a1 := mustSignedBlock(signerA, 1, root.Hash, "test", 1, 1000, nil)
	b1 := mustSignedBlock(signerB, 1, root.Hash, "test", 1, 1000, nil)
	if _, err := fm.Submit(a1); err != nil {
		t.Fatalf("submit a1: %v", err)
	}
	if _, err := fm.Submit(b1); err != nil {
		t.Fatalf("submit b1: %v", err)
	}
	if a1.Hash == b1.Hash {
		t.Fatal("test requires two distinct competing hashes at the same height")
	}

	winnerHash, loserHash := a1.Hash, b1.Hash
	if b1.Hash > a1.Hash {
		winnerHash, loserHash = b1.Hash, a1.Hash
	}

	// Force an election with both tips tied at height 1, by shrinking the
	// window and re-running election directly (white-box: same package).
	fm.mu.Lock()
	fm.window = 0
	err = fm.electAndPruneLocked()
	fm.mu.Unlock()
	if err != nil {
		t.Fatalf("electAndPruneLocked: %v", err)
	}

	cur, err := fm.Main().Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur == nil || cur.Hash != winnerHash {
		t.Fatalf("tie-break promoted %+v, want the lexicographically greatest hash %s", cur, winnerHash)
	}
	if _, err := fm.ContextFor(loserHash); err == nil {
		t.Fatal("expected the losing branch to have been pruned")
	}
}
