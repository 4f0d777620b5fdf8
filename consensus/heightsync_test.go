package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/chain"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/internal/testutil"
	"github.com/tolelom/loopnode/peer"
)

type fakeSyncStub struct {
	status *SyncStatus
	blocks map[uint64]*SyncBlock
}

func (f *fakeSyncStub) GetStatus(ctx context.Context, channel string) (*SyncStatus, error) {
	return f.status, nil
}

func (f *fakeSyncStub) BlockSync(ctx context.Context, channel string, height uint64) (*SyncBlock, error) {
	r, ok := f.blocks[height]
	if !ok {
		return nil, errTestBlockMissing
	}
	return r, nil
}

var errTestBlockMissing = errors.New("block not found")

func buildRemoteChain(t *testing.T, signer crypto.Signer, n int) map[uint64]*SyncBlock {
	t.Helper()
	out := make(map[uint64]*SyncBlock, n)
	prevHash := chain.GenesisPrevHash
	for h := uint64(0); h < uint64(n); h++ {
		b := chain.NewBlock("test-channel", signer.PeerID(), prevHash, h, nil, chain.BlockGeneral)
		signBlock(b, signer)
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		out[h] = &SyncBlock{BlockHeight: h, MaxBlockHeight: uint64(n - 1), BlockBytes: data}
		prevHash = b.BlockHash
	}
	return out
}

func TestSyncOnceCatchesUpFromRemote(t *testing.T) {
	remoteSigner := mustSigner(t, 10)
	remoteBlocks := buildRemoteChain(t, remoteSigner, 3)

	store, err := blockstore.OpenWithDB(testutil.NewMemDB())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	pm := peer.NewManager("test-channel")
	selfID := "self"
	pm.Add(&peer.Entry{PeerID: selfID})
	pm.Add(&peer.Entry{PeerID: "remote"})

	stub := &fakeSyncStub{status: &SyncStatus{BlockHeight: 2}, blocks: remoteBlocks}
	dial := func(e *peer.Entry) (SyncStub, error) { return stub, nil }

	syncer := NewSyncer("test-channel", store, pm, selfID, dial)
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	height, ok := store.LastHeight()
	if !ok || height != 2 {
		t.Fatalf("expected height 2 after sync, got %d ok=%v", height, ok)
	}
}

func TestSyncOnceNoopWhenNoPeers(t *testing.T) {
	store, err := blockstore.OpenWithDB(testutil.NewMemDB())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	pm := peer.NewManager("test-channel")
	syncer := NewSyncer("test-channel", store, pm, "self", func(e *peer.Entry) (SyncStub, error) { return nil, nil })
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
