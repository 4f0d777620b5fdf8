// Package channel composes one channel's independently-owned components
// (BlockStore, PeerManager, BroadcastWorker, BlockManager, score.Client)
// into a single Runtime, and exposes the per-channel operations
// node.Service dispatches RPC calls into. Grounded on the teacher's
// cmd/node/main.go wiring order, generalized from "one chain" to "one
// Runtime per channel."
package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/chain"
	"github.com/tolelom/loopnode/consensus"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/errs"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
	"github.com/tolelom/loopnode/score"
)

// Broadcaster is the fan-out capability a Runtime owns and hands to its
// Manager; satisfied by *broadcast.Worker. Declared here (not imported
// from package broadcast as a concrete type in every signature) so this
// file reads the same whether the caller wired a real Worker or a test
// double.
type Broadcaster interface {
	consensus.Broadcaster
	Subscribe(peerID string)
	Unsubscribe(peerID string)
	UpdateAudience(dump []byte)
	Stop()
}

// Runtime owns one channel's complete state: exclusive per spec §3, never
// shared with another channel.
type Runtime struct {
	Name string

	Store   *blockstore.Store
	Peers   *peer.Manager
	Signer  crypto.Signer
	Score   score.Client
	Bcast   Broadcaster
	Manager *consensus.Manager
	Syncer  *consensus.Syncer

	log *logrus.Entry

	cancel context.CancelFunc
}

// Config bundles the already-constructed dependencies New wires into a
// Runtime; every field is mandatory except Syncer, which may be nil for a
// sole-peer channel that never needs to catch up.
type Config struct {
	Name    string
	Store   *blockstore.Store
	Peers   *peer.Manager
	Signer  crypto.Signer
	Score   score.Client
	Bcast   Broadcaster
	Manager *consensus.Manager
	Syncer  *consensus.Syncer
}

// New assembles a Runtime from already-constructed components; node.Service
// is responsible for building each of those during channel boot (the
// channel's BlockStore is opened after the RPC servers are up and RS has
// listed the channels; PeerManager load comes before leader election, and
// so on) — Runtime itself does no construction, only composition.
func New(cfg Config) *Runtime {
	return &Runtime{
		Name:    cfg.Name,
		Store:   cfg.Store,
		Peers:   cfg.Peers,
		Signer:  cfg.Signer,
		Score:   cfg.Score,
		Bcast:   cfg.Bcast,
		Manager: cfg.Manager,
		Syncer:  cfg.Syncer,
		log:     logrus.WithField("channel", cfg.Name),
	}
}

// Start runs the Manager's consensus loop and, if configured, the
// Height-Sync loop, until ctx is cancelled or Stop is called.
func (r *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.Manager.Run(runCtx)
	if r.Syncer != nil {
		go r.Syncer.Run(runCtx)
	}
}

// Stop tears down the Manager loop and broadcast worker, leaving Store
// intact for a subsequent RestartChannel (spec §4.8).
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.Manager.Stop()
	r.Bcast.Stop()
}

// GetStatus answers the GetStatus RPC for this channel.
func (r *Runtime) GetStatus(ctx context.Context) (*rpc.StatusReply, error) {
	height, _ := r.Store.LastHeight()
	return &rpc.StatusReply{BlockHeight: height, TotalTx: r.Store.TotalTx()}, nil
}

// AddTx validates and enqueues a transaction, per the wire's AddTx method.
func (r *Runtime) AddTx(ctx context.Context, txBytes json.RawMessage) (*rpc.CommonReply, error) {
	var tx chain.Transaction
	if err := json.Unmarshal(txBytes, &tx); err != nil {
		return nil, fmt.Errorf("channel: %w: %v", errs.ErrSchemaInvalid, err)
	}
	if err := r.Manager.AddTx(&tx); err != nil {
		return &rpc.CommonReply{Code: rpc.CodeInvalidRequest, Msg: err.Error()}, nil
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

// CreateTx builds, signs (with this node's own Signer) and admits a new
// transaction from client-supplied data, then broadcasts it as AddTx to
// the channel's whole broadcast audience.
// dataJSON carries score_id/score_version alongside the call payload, the
// same envelope Query reads.
func (r *Runtime) CreateTx(ctx context.Context, dataJSON json.RawMessage) (*rpc.CreateTxReply, error) {
	var req struct {
		ScoreID      string          `json:"score_id"`
		ScoreVersion string          `json:"score_version"`
		Data         json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(dataJSON, &req); err != nil {
		return nil, fmt.Errorf("channel: %w: %v", errs.ErrSchemaInvalid, err)
	}
	tx, err := chain.NewTransaction(r.Name, r.Signer.PeerID(), req.ScoreID, req.ScoreVersion, chain.TxRegular, req.Data)
	if err != nil {
		return nil, fmt.Errorf("channel: build tx: %w", err)
	}
	tx.TxHash = tx.ComputeHash()
	tx.Signature = hexSign(r, tx.TxHash)
	tx.PublicKey = hexPub(r)

	if err := r.Manager.AddTx(tx); err != nil {
		return &rpc.CreateTxReply{Code: rpc.CodeInvalidRequest, MoreInfo: err.Error()}, nil
	}
	txBytes, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("channel: marshal tx: %w", err)
	}
	r.Bcast.Broadcast(rpc.MethodAddTx, rpc.AddTxParams{Channel: r.Name, TxBytes: txBytes})
	return &rpc.CreateTxReply{Code: rpc.CodeOK, TxHash: tx.TxHash}, nil
}

// GetTx looks up a confirmed transaction by hash.
func (r *Runtime) GetTx(ctx context.Context, txHash string) (*rpc.GetTxReply, error) {
	blockHash, idx, err := r.Store.FindTx(txHash)
	if err != nil {
		return &rpc.GetTxReply{Code: rpc.CodeNotFound}, nil
	}
	block, err := r.Store.FindByHash(blockHash)
	if err != nil {
		return &rpc.GetTxReply{Code: rpc.CodeNotFound}, nil
	}
	if idx < 0 || idx >= len(block.ConfirmedTransactions) {
		return &rpc.GetTxReply{Code: rpc.CodeNotFound}, nil
	}
	tx := block.ConfirmedTransactions[idx]
	return &rpc.GetTxReply{Code: rpc.CodeOK, Data: tx.Data, Signature: tx.Signature, PublicKey: tx.PublicKey}, nil
}

// GetInvokeResult returns the score.Client outcome recorded for a tx.
func (r *Runtime) GetInvokeResult(ctx context.Context, txHash string) (*rpc.GetInvokeResultReply, error) {
	result, err := r.Store.InvokeResult(txHash)
	if err != nil {
		return &rpc.GetInvokeResultReply{Code: rpc.CodeNotFound}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &rpc.GetInvokeResultReply{Code: rpc.CodeOK, ResultJSON: data}, nil
}

// GetBlock answers GetBlock by hash or height.
func (r *Runtime) GetBlock(ctx context.Context, p rpc.GetBlockParams) (*rpc.GetBlockReply, error) {
	var block *chain.Block
	var err error
	switch {
	case p.BlockHash != "":
		block, err = r.Store.FindByHash(p.BlockHash)
	case p.BlockHeight != nil:
		block, err = r.Store.FindByHeight(*p.BlockHeight)
	default:
		height, ok := r.Store.LastHeight()
		if !ok {
			return &rpc.GetBlockReply{Code: rpc.CodeNotFound}, nil
		}
		block, err = r.Store.FindByHeight(height)
	}
	if err != nil {
		return &rpc.GetBlockReply{Code: rpc.CodeNotFound}, nil
	}
	data, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	return &rpc.GetBlockReply{Code: rpc.CodeOK, BlockHash: block.BlockHash, BlockDataJSON: data}, nil
}

// GetLastBlockHash answers GetLastBlockHash.
func (r *Runtime) GetLastBlockHash(ctx context.Context) (*rpc.BlockReply, error) {
	hash, ok := r.Store.LastHash()
	if !ok {
		return &rpc.BlockReply{Code: rpc.CodeNotFound}, nil
	}
	return &rpc.BlockReply{Code: rpc.CodeOK, BlockHash: hash}, nil
}

// Query answers a read-only score call outside of any block.
func (r *Runtime) Query(ctx context.Context, dataJSON json.RawMessage) (json.RawMessage, error) {
	var q struct {
		ScoreID      string          `json:"score_id"`
		ScoreVersion string          `json:"score_version"`
		Data         json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(dataJSON, &q); err != nil {
		return nil, fmt.Errorf("channel: %w: %v", errs.ErrSchemaInvalid, err)
	}
	return r.Score.Query(ctx, q.ScoreID, q.ScoreVersion, q.Data)
}

// AnnounceUnconfirmedBlock, AnnounceConfirmedBlock and VoteUnconfirmedBlock
// delegate directly to the channel's BlockManager.

func (r *Runtime) AnnounceUnconfirmedBlock(ctx context.Context, blockBytes json.RawMessage) (*rpc.CommonReply, error) {
	if err := r.Manager.HandleAnnounceUnconfirmedBlock(ctx, blockBytes); err != nil {
		return &rpc.CommonReply{Code: rpc.CodeInvalidRequest, Msg: err.Error()}, nil
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

func (r *Runtime) AnnounceConfirmedBlock(ctx context.Context, blockHash string, blockBytes json.RawMessage) (*rpc.CommonReply, error) {
	if err := r.Manager.HandleAnnounceConfirmedBlock(ctx, blockHash, blockBytes); err != nil {
		return &rpc.CommonReply{Code: rpc.CodeInvalidRequest, Msg: err.Error()}, nil
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

func (r *Runtime) VoteUnconfirmedBlock(ctx context.Context, p rpc.VoteUnconfirmedBlockParams) (*rpc.CommonReply, error) {
	if err := r.Manager.HandleVoteUnconfirmedBlock(ctx, p.BlockHash, p.PeerID, p.VoteCode); err != nil {
		return &rpc.CommonReply{Code: rpc.CodeInvalidRequest, Msg: err.Error()}, nil
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

// BlockSync answers a peer's Height-Sync pull for a single height.
func (r *Runtime) BlockSync(ctx context.Context, height uint64) (*rpc.BlockSyncReply, error) {
	block, err := r.Store.FindByHeight(height)
	if err != nil {
		return &rpc.BlockSyncReply{Code: rpc.CodeNotFound}, nil
	}
	data, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	maxHeight, _ := r.Store.LastHeight()
	return &rpc.BlockSyncReply{Code: rpc.CodeOK, BlockHeight: height, MaxBlockHeight: maxHeight, BlockBytes: data}, nil
}

// AnnounceNewPeer admits a new member and republishes the channel's peer
// list as a self-authenticating peer_list block (§3's BlockType).
func (r *Runtime) AnnounceNewPeer(ctx context.Context, peerBytes json.RawMessage, peerTarget string) (*rpc.CommonReply, error) {
	var e peer.Entry
	if err := json.Unmarshal(peerBytes, &e); err != nil {
		return nil, fmt.Errorf("channel: %w: %v", errs.ErrSchemaInvalid, err)
	}
	r.Peers.Add(&e)
	r.Bcast.Subscribe(e.PeerID)
	if err := r.publishPeerList(ctx); err != nil {
		return nil, err
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

// AnnounceNewLeader records a leader handoff a peer observed elsewhere.
func (r *Runtime) AnnounceNewLeader(ctx context.Context, p rpc.AnnounceNewLeaderParams) (*rpc.CommonReply, error) {
	if err := r.Peers.SetLeader(p.NewLeaderID); err != nil {
		return &rpc.CommonReply{Code: rpc.CodeInvalidRequest, Msg: err.Error()}, nil
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

// ComplainLeader applies the immediate-override policy via BlockManager.
func (r *Runtime) ComplainLeader(ctx context.Context, p rpc.ComplainLeaderParams) (*rpc.CommonReply, error) {
	if err := r.Manager.HandleComplainLeader(p.ComplainedLeaderID, p.NewLeaderID); err != nil {
		return &rpc.CommonReply{Code: rpc.CodeInvalidRequest, Msg: err.Error()}, nil
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

// Subscribe/UnSubscribe register or drop a broadcast audience member.
func (r *Runtime) Subscribe(ctx context.Context, p rpc.SubscribeParams) (*rpc.CommonReply, error) {
	r.Bcast.Subscribe(p.PeerID)
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

func (r *Runtime) UnSubscribe(ctx context.Context, p rpc.SubscribeParams) (*rpc.CommonReply, error) {
	r.Bcast.Unsubscribe(p.PeerID)
	r.Peers.Remove(p.PeerID)
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

// RemovePeer drops a member from this channel (called by node.Service's
// node-scoped AnnounceDeletePeer).
func (r *Runtime) RemovePeer(peerID string) {
	r.Peers.Remove(peerID)
	r.Bcast.Unsubscribe(peerID)
}

// publishPeerList republishes the channel's current membership as a
// self-authenticating peer_list block (chain.BlockPeerList), committed
// locally and broadcast via AnnounceUnconfirmedBlock so every voter
// applies it through the block-based membership protocol (spec §4.6.2)
// instead of a bare audience swap. Bcast.UpdateAudience still runs
// separately afterward: it updates the live broadcast fan-out list, a
// transport-layer concern distinct from the consensus-level membership
// record the block carries.
func (r *Runtime) publishPeerList(ctx context.Context) error {
	dump, err := r.Peers.Dump()
	if err != nil {
		return fmt.Errorf("channel: dump peer manager: %w", err)
	}
	if err := r.Manager.PublishPeerListBlock(ctx, dump); err != nil {
		return fmt.Errorf("channel: publish peer_list block: %w", err)
	}
	r.Bcast.UpdateAudience(dump)
	return nil
}

func hexSign(r *Runtime, txHash string) string {
	return fmt.Sprintf("%x", r.Signer.Sign([]byte(txHash)))
}

func hexPub(r *Runtime) string {
	return fmt.Sprintf("%x", r.Signer.PublicKey())
}
