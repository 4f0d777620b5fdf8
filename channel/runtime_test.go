package channel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/consensus"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/internal/testutil"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
	"github.com/tolelom/loopnode/score"
)

// fakeBcast satisfies channel.Broadcaster without touching the network,
// recording Broadcast calls the same way consensus's own fake does.
type fakeBcast struct {
	broadcasts   []string
	subscribed   []string
	unsubscribed []string
}

func (b *fakeBcast) Broadcast(method string, params any) { b.broadcasts = append(b.broadcasts, method) }
func (b *fakeBcast) Subscribe(peerID string)             { b.subscribed = append(b.subscribed, peerID) }
func (b *fakeBcast) Unsubscribe(peerID string)           { b.unsubscribed = append(b.unsubscribed, peerID) }
func (b *fakeBcast) UpdateAudience(dump []byte)          {}
func (b *fakeBcast) Stop()                               {}

func mustSigner(t *testing.T) crypto.Signer {
	t.Helper()
	s, err := crypto.Load(crypto.KeyConfig{
		Kind:      crypto.KeySourceSeedDerived,
		Seed:      "channel-test-seed",
		SeedIndex: 0,
		NodeID:    "node",
	})
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	return s
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeBcast) {
	t.Helper()
	signer := mustSigner(t)
	pm := peer.NewManager("test-channel")
	pm.Add(&peer.Entry{PeerID: signer.PeerID(), Host: "127.0.0.1", Port: 7000})
	store, err := blockstore.OpenWithDB(testutil.NewMemDB())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bc := &fakeBcast{}
	mgr := consensus.New("test-channel", store, pm, signer, bc, score.NewEchoClient(), consensus.None(), clock.NewMock())

	rt := New(Config{
		Name:    "test-channel",
		Store:   store,
		Peers:   pm,
		Signer:  signer,
		Score:   score.NewEchoClient(),
		Bcast:   bc,
		Manager: mgr,
	})
	return rt, bc
}

func TestGetStatusReportsEmptyStore(t *testing.T) {
	rt, _ := newTestRuntime(t)
	reply, err := rt.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if reply.TotalTx != 0 {
		t.Fatalf("expected 0 total tx on an empty store, got %d", reply.TotalTx)
	}
}

func TestCreateTxSignsAndBroadcasts(t *testing.T) {
	rt, bc := newTestRuntime(t)
	reply, err := rt.CreateTx(context.Background(), json.RawMessage(`{"score_id":"sc","score_version":"v1","data":{"k":"v"}}`))
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if reply.Code != rpc.CodeOK {
		t.Fatalf("expected CodeOK, got %d: %s", reply.Code, reply.MoreInfo)
	}
	if reply.TxHash == "" {
		t.Fatal("expected a non-empty tx_hash")
	}
	found := false
	for _, m := range bc.broadcasts {
		if m == rpc.MethodAddTx {
			found = true
		}
	}
	if !found {
		t.Fatal("expected CreateTx to broadcast AddTx to the audience")
	}
}

func TestCreateTxRejectsInvalidPayload(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if _, err := rt.CreateTx(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected an error unmarshaling invalid data_json")
	}
}

func TestGetTxUnknownHashReturnsNotFound(t *testing.T) {
	rt, _ := newTestRuntime(t)
	reply, err := rt.GetTx(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if reply.Code != rpc.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %d", reply.Code)
	}
}

func TestAnnounceNewPeerAddsAndSubscribes(t *testing.T) {
	rt, bc := newTestRuntime(t)
	peerBytes, err := json.Marshal(peer.Entry{PeerID: "new-peer", Host: "10.0.0.5", Port: 7200})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := rt.AnnounceNewPeer(context.Background(), peerBytes, "10.0.0.5:7200")
	if err != nil {
		t.Fatalf("AnnounceNewPeer: %v", err)
	}
	if reply.Code != rpc.CodeOK {
		t.Fatalf("expected CodeOK, got %d", reply.Code)
	}
	if _, ok := rt.Peers.Get("new-peer"); !ok {
		t.Fatal("expected new-peer to be added to the PeerManager")
	}
	found := false
	for _, p := range bc.subscribed {
		if p == "new-peer" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected new-peer to be subscribed to the broadcast audience")
	}
}

func TestRemovePeerDropsMembershipAndAudience(t *testing.T) {
	rt, bc := newTestRuntime(t)
	rt.Peers.Add(&peer.Entry{PeerID: "leaving", Host: "10.0.0.9", Port: 7300})
	rt.RemovePeer("leaving")
	if _, ok := rt.Peers.Get("leaving"); ok {
		t.Fatal("expected leaving to be removed from the PeerManager")
	}
	found := false
	for _, p := range bc.unsubscribed {
		if p == "leaving" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected leaving to be unsubscribed from the broadcast audience")
	}
}
