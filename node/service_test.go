package node

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/channel"
	"github.com/tolelom/loopnode/consensus"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/errs"
	"github.com/tolelom/loopnode/internal/testutil"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/score"
)

type noopBcast struct{ subscribed, unsubscribed []string }

func (b *noopBcast) Broadcast(method string, params any) {}
func (b *noopBcast) Subscribe(peerID string)             { b.subscribed = append(b.subscribed, peerID) }
func (b *noopBcast) Unsubscribe(peerID string) {
	b.unsubscribed = append(b.unsubscribed, peerID)
}
func (b *noopBcast) UpdateAudience(dump []byte) {}
func (b *noopBcast) Stop()                      {}

func mustTestSigner(t *testing.T, seedIndex int) crypto.Signer {
	t.Helper()
	s, err := crypto.Load(crypto.KeyConfig{
		Kind:      crypto.KeySourceSeedDerived,
		Seed:      "node-test-seed",
		SeedIndex: seedIndex,
		NodeID:    "node",
	})
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	return s
}

func newTestChannelRuntime(t *testing.T, name string) (*channel.Runtime, *noopBcast) {
	t.Helper()
	signer := mustTestSigner(t, 0)
	pm := peer.NewManager(name)
	pm.Add(&peer.Entry{PeerID: signer.PeerID(), Host: "127.0.0.1", Port: 7000})
	store, err := blockstore.OpenWithDB(testutil.NewMemDB())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bc := &noopBcast{}
	mgr := consensus.New(name, store, pm, signer, bc, score.NewEchoClient(), consensus.None(), clock.NewMock())
	rt := channel.New(channel.Config{
		Name:    name,
		Store:   store,
		Peers:   pm,
		Signer:  signer,
		Score:   score.NewEchoClient(),
		Bcast:   bc,
		Manager: mgr,
	})
	return rt, bc
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return &Service{
		channels: make(map[string]*channel.Runtime),
		log:      logrus.WithField("test", "node"),
	}
}

func TestRuntimeUnknownChannelReturnsChannelUnknown(t *testing.T) {
	s := newTestService(t)
	_, err := s.runtime("no-such-channel")
	if !errors.Is(err, errs.ErrChannelUnknown) {
		t.Fatalf("expected ErrChannelUnknown, got %v", err)
	}
}

func TestGetStatusDelegatesToChannelRuntime(t *testing.T) {
	s := newTestService(t)
	rt, _ := newTestChannelRuntime(t, "alpha")
	s.channels["alpha"] = rt

	reply, err := s.GetStatus(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if reply.TotalTx != 0 {
		t.Fatalf("expected 0 total tx, got %d", reply.TotalTx)
	}
}

func TestAnnounceDeletePeerRemovesFromEveryChannel(t *testing.T) {
	s := newTestService(t)
	rtA, bcA := newTestChannelRuntime(t, "alpha")
	rtB, bcB := newTestChannelRuntime(t, "beta")
	rtA.Peers.Add(&peer.Entry{PeerID: "leaving", Host: "10.0.0.1", Port: 7100})
	rtB.Peers.Add(&peer.Entry{PeerID: "leaving", Host: "10.0.0.1", Port: 7100})
	s.channels["alpha"] = rtA
	s.channels["beta"] = rtB

	reply, err := s.AnnounceDeletePeer(context.Background(), "leaving", "group0")
	if err != nil {
		t.Fatalf("AnnounceDeletePeer: %v", err)
	}
	if reply.Code != 0 {
		t.Fatalf("expected CodeOK, got %d", reply.Code)
	}
	if _, ok := rtA.Peers.Get("leaving"); ok {
		t.Fatal("expected leaving removed from channel alpha")
	}
	if _, ok := rtB.Peers.Get("leaving"); ok {
		t.Fatal("expected leaving removed from channel beta")
	}
	if len(bcA.unsubscribed) != 1 || bcA.unsubscribed[0] != "leaving" {
		t.Fatalf("expected alpha broadcaster to unsubscribe leaving, got %v", bcA.unsubscribed)
	}
	if len(bcB.unsubscribed) != 1 || bcB.unsubscribed[0] != "leaving" {
		t.Fatalf("expected beta broadcaster to unsubscribe leaving, got %v", bcB.unsubscribed)
	}
}

func TestSplitAddrParsesHostPort(t *testing.T) {
	host, port := splitAddr("0.0.0.0:7100")
	if host != "0.0.0.0" || port != 7100 {
		t.Fatalf("splitAddr = (%q, %d), want (0.0.0.0, 7100)", host, port)
	}
}

func TestElectLeaderSelfElectsWhenUnset(t *testing.T) {
	pm := peer.NewManager("alpha")
	pm.Add(&peer.Entry{PeerID: "self"})
	if err := electLeader(pm, "self"); err != nil {
		t.Fatalf("electLeader: %v", err)
	}
	leader, err := pm.GetLeader()
	if err != nil {
		t.Fatalf("GetLeader: %v", err)
	}
	if leader != "self" {
		t.Fatalf("expected self elected leader, got %q", leader)
	}
}
