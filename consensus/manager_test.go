package consensus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/chain"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/internal/testutil"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
	"github.com/tolelom/loopnode/score"
)

type recordedCall struct {
	method string
	params any
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (b *fakeBroadcaster) Broadcast(method string, params any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, recordedCall{method, params})
}

func (b *fakeBroadcaster) last() (recordedCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return recordedCall{}, false
	}
	return b.calls[len(b.calls)-1], true
}

func mustSigner(t *testing.T, seedIndex int) crypto.Signer {
	t.Helper()
	s, err := crypto.Load(crypto.KeyConfig{
		Kind:      crypto.KeySourceSeedDerived,
		Seed:      "consensus-test-seed",
		SeedIndex: seedIndex,
		NodeID:    "node",
	})
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	return s
}

func newTestManager(t *testing.T, algo Algorithm, signer crypto.Signer, pm *peer.Manager, bc *fakeBroadcaster) *Manager {
	t.Helper()
	store, err := blockstore.OpenWithDB(testutil.NewMemDB())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New("test-channel", store, pm, signer, bc, score.NewEchoClient(), algo, clock.NewMock())
}

func TestProduceBlockNoVoteAutoCommits(t *testing.T) {
	signer := mustSigner(t, 0)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: signer.PeerID(), Host: "127.0.0.1", Port: 7000})
	bc := &fakeBroadcaster{}
	m := newTestManager(t, None(), signer, pm, bc)

	if err := m.produceBlock(context.Background()); err != nil {
		t.Fatalf("produceBlock: %v", err)
	}
	height, ok := m.store.LastHeight()
	if !ok || height != 0 {
		t.Fatalf("expected height 0 after first block, got %d ok=%v", height, ok)
	}
	call, ok := bc.last()
	if !ok || call.method != rpc.MethodAnnounceConfirmedBlock {
		t.Fatalf("expected AnnounceConfirmedBlock broadcast, got %+v ok=%v", call, ok)
	}
}

func TestHandleAnnounceUnconfirmedBlockStagesAndVotes(t *testing.T) {
	leaderSigner := mustSigner(t, 1)
	voterSigner := mustSigner(t, 2)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	pm.Add(&peer.Entry{PeerID: voterSigner.PeerID()})
	bc := &fakeBroadcaster{}
	voter := newTestManager(t, Default(), voterSigner, pm, bc)

	block := chain.NewBlock("test-channel", leaderSigner.PeerID(), chain.GenesisPrevHash, 0, nil, chain.BlockGeneral)
	signBlock(block, leaderSigner)
	data, err := json.Marshal(block)
	if err != nil {
		t.Fatal(err)
	}

	if err := voter.HandleAnnounceUnconfirmedBlock(context.Background(), data); err != nil {
		t.Fatalf("HandleAnnounceUnconfirmedBlock: %v", err)
	}
	call, ok := bc.last()
	if !ok || call.method != rpc.MethodVoteUnconfirmedBlock {
		t.Fatalf("expected VoteUnconfirmedBlock broadcast, got %+v ok=%v", call, ok)
	}
	vote := call.params.(rpc.VoteUnconfirmedBlockParams)
	if vote.VoteCode != int(chain.VoteYea) {
		t.Fatalf("expected yea vote, got %d", vote.VoteCode)
	}
}

func TestFaultInjectCastsNay(t *testing.T) {
	leaderSigner := mustSigner(t, 3)
	voterSigner := mustSigner(t, 4)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	pm.Add(&peer.Entry{PeerID: voterSigner.PeerID()})
	bc := &fakeBroadcaster{}
	voter := newTestManager(t, Default(), voterSigner, pm, bc)
	voter.FaultInject = FaultFailVoteSign

	block := chain.NewBlock("test-channel", leaderSigner.PeerID(), chain.GenesisPrevHash, 0, nil, chain.BlockGeneral)
	signBlock(block, leaderSigner)
	data, _ := json.Marshal(block)

	if err := voter.HandleAnnounceUnconfirmedBlock(context.Background(), data); err != nil {
		t.Fatalf("HandleAnnounceUnconfirmedBlock: %v", err)
	}
	call, _ := bc.last()
	vote := call.params.(rpc.VoteUnconfirmedBlockParams)
	if vote.VoteCode != int(chain.VoteNay) {
		t.Fatalf("expected nay vote under fault injection, got %d", vote.VoteCode)
	}
}

func TestHandleVoteUnconfirmedBlockConfirmsOnQuorum(t *testing.T) {
	leaderSigner := mustSigner(t, 5)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	bc := &fakeBroadcaster{}
	leader := newTestManager(t, Default(), leaderSigner, pm, bc)

	block := chain.NewBlock("test-channel", leaderSigner.PeerID(), chain.GenesisPrevHash, 0, nil, chain.BlockGeneral)
	signBlock(block, leaderSigner)
	if err := leader.candidates.Open(block, 0); err != nil {
		t.Fatal(err)
	}

	if err := leader.HandleVoteUnconfirmedBlock(context.Background(), block.BlockHash, leaderSigner.PeerID(), int(chain.VoteYea)); err != nil {
		t.Fatalf("HandleVoteUnconfirmedBlock: %v", err)
	}
	height, ok := leader.store.LastHeight()
	if !ok || height != 0 {
		t.Fatalf("expected block appended at height 0, got %d ok=%v", height, ok)
	}
}

func signTx(tx *chain.Transaction, signer crypto.Signer) {
	tx.TxHash = tx.ComputeHash()
	tx.PublicKey = hex.EncodeToString(signer.PublicKey())
	tx.Signature = hex.EncodeToString(signer.Sign([]byte(tx.TxHash)))
}

func TestHandleAnnounceUnconfirmedBlockRejectsLinkageMismatch(t *testing.T) {
	leaderSigner := mustSigner(t, 8)
	voterSigner := mustSigner(t, 9)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	pm.Add(&peer.Entry{PeerID: voterSigner.PeerID()})
	bc := &fakeBroadcaster{}
	voter := newTestManager(t, Default(), voterSigner, pm, bc)

	// Height 1 with a fabricated prev hash on an empty store (which expects
	// genesis at height 0): the linkage check must catch this before any
	// vote is cast.
	block := chain.NewBlock("test-channel", leaderSigner.PeerID(), "some-stale-hash", 1, nil, chain.BlockGeneral)
	signBlock(block, leaderSigner)
	data, err := json.Marshal(block)
	if err != nil {
		t.Fatal(err)
	}

	if err := voter.HandleAnnounceUnconfirmedBlock(context.Background(), data); err == nil {
		t.Fatal("expected an error for a block that fails chain linkage")
	}
	call, ok := bc.last()
	if !ok || call.method != rpc.MethodVoteUnconfirmedBlock {
		t.Fatalf("expected a VoteUnconfirmedBlock broadcast despite the linkage failure, got %+v ok=%v", call, ok)
	}
	vote := call.params.(rpc.VoteUnconfirmedBlockParams)
	if vote.VoteCode != int(chain.VoteNay) {
		t.Fatalf("expected a nay vote on linkage mismatch, got %d", vote.VoteCode)
	}
}

func TestHandleAnnounceUnconfirmedBlockPiggyBackConfirmsStaged(t *testing.T) {
	leaderSigner := mustSigner(t, 10)
	voterSigner := mustSigner(t, 11)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	pm.Add(&peer.Entry{PeerID: voterSigner.PeerID()})
	bc := &fakeBroadcaster{}
	voter := newTestManager(t, Default(), voterSigner, pm, bc)

	staged := chain.NewBlock("test-channel", leaderSigner.PeerID(), chain.GenesisPrevHash, 0, nil, chain.BlockGeneral)
	signBlock(staged, leaderSigner)
	voter.mu.Lock()
	voter.unconfirmed = staged
	voter.mu.Unlock()

	next := chain.NewBlock("test-channel", leaderSigner.PeerID(), staged.BlockHash, 1, nil, chain.BlockGeneral)
	next.PrevBlockConfirm = true
	signBlock(next, leaderSigner)
	data, err := json.Marshal(next)
	if err != nil {
		t.Fatal(err)
	}

	if err := voter.HandleAnnounceUnconfirmedBlock(context.Background(), data); err != nil {
		t.Fatalf("HandleAnnounceUnconfirmedBlock: %v", err)
	}
	height, ok := voter.store.LastHeight()
	if !ok || height != 0 {
		t.Fatalf("expected the staged block piggy-back confirmed at height 0, got height=%d ok=%v", height, ok)
	}
	committed, err := voter.store.FindByHash(staged.BlockHash)
	if err != nil || committed.BlockHash != staged.BlockHash {
		t.Fatalf("expected the staged block to be appended: %v", err)
	}
}

func TestHandleAnnounceUnconfirmedBlockPeerListImmediateCommit(t *testing.T) {
	leaderSigner := mustSigner(t, 12)
	voterSigner := mustSigner(t, 13)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	pm.Add(&peer.Entry{PeerID: voterSigner.PeerID()})
	bc := &fakeBroadcaster{}
	voter := newTestManager(t, Default(), voterSigner, pm, bc)

	leaderPM := peer.NewManager("test-channel")
	leaderPM.Add(&peer.Entry{PeerID: leaderSigner.PeerID()})
	leaderPM.Add(&peer.Entry{PeerID: voterSigner.PeerID()})
	leaderPM.Add(&peer.Entry{PeerID: "new-peer", Host: "10.0.0.9", Port: 7100})
	dump, err := leaderPM.Dump()
	if err != nil {
		t.Fatal(err)
	}

	tx, err := chain.NewTransaction("test-channel", leaderSigner.PeerID(), "", "", chain.TxPeerList, json.RawMessage(dump))
	if err != nil {
		t.Fatal(err)
	}
	signTx(tx, leaderSigner)

	block := chain.NewBlock("test-channel", leaderSigner.PeerID(), chain.GenesisPrevHash, 0, []*chain.Transaction{tx}, chain.BlockPeerList)
	signBlock(block, leaderSigner)
	data, err := json.Marshal(block)
	if err != nil {
		t.Fatal(err)
	}

	if err := voter.HandleAnnounceUnconfirmedBlock(context.Background(), data); err != nil {
		t.Fatalf("HandleAnnounceUnconfirmedBlock: %v", err)
	}
	if _, ok := bc.last(); ok {
		t.Fatal("expected no VoteUnconfirmedBlock broadcast for a peer_list block")
	}
	height, ok := voter.store.LastHeight()
	if !ok || height != 0 {
		t.Fatalf("expected the peer_list block committed at height 0, got height=%d ok=%v", height, ok)
	}
	if _, ok := pm.Get("new-peer"); !ok {
		t.Fatal("expected the voter's PeerManager to be updated with new-peer from the peer_list block")
	}
}

func TestHandleComplainLeaderOverridesImmediately(t *testing.T) {
	s1 := mustSigner(t, 6)
	s2 := mustSigner(t, 7)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: s1.PeerID()})
	pm.Add(&peer.Entry{PeerID: s2.PeerID()})
	bc := &fakeBroadcaster{}
	m := newTestManager(t, Default(), s1, pm, bc)

	if err := m.HandleComplainLeader(s1.PeerID(), s2.PeerID()); err != nil {
		t.Fatalf("HandleComplainLeader: %v", err)
	}
	leader, err := pm.GetLeader()
	if err != nil {
		t.Fatal(err)
	}
	if leader != s2.PeerID() {
		t.Fatalf("expected leader %s, got %s", s2.PeerID(), leader)
	}
}
