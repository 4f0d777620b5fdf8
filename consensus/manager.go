// Package consensus is the heart of a channel: leader-side block assembly
// and vote tallying, voter-side block validation and piggy-back
// confirmation, and (in heightsync.go) the Height-Sync catch-up protocol.
// Grounded on the teacher's consensus/poa.go (signing, validation, block
// loop), generalized from single-proposer PoA to the spec's leader/voter
// roles with multi-vote quorum.
package consensus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/chain"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/errs"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
	"github.com/tolelom/loopnode/score"
	"github.com/tolelom/loopnode/tuning"
)

// Broadcaster is the capability Manager calls out to fan a method out to
// every channel subscriber. Satisfied by *broadcast.Worker; declared here
// instead of importing package broadcast directly so broadcast need never
// import consensus back (spec §9's capability-interface redesign).
type Broadcaster interface {
	Broadcast(method string, params any)
}

// Peers is the subset of *peer.Manager Manager needs. Declared as an
// interface purely to keep Manager's test doubles small; peer.Manager
// itself satisfies it directly.
type Peers interface {
	GetLeader() (string, error)
	GetNextLeader() (string, error)
	SetLeader(peerID string) error
	Count() int
	All() []*peer.Entry
	Dump() ([]byte, error)
	Load(data []byte) error
}

// FaultMode simulates TEST_FAIL_VOTE_SIGN-style byzantine test behavior
// without a magic string on the wire (spec §9's redesign note): a
// config-gated field a test harness sets directly on Manager.
type FaultMode int

const (
	FaultNone FaultMode = iota
	// FaultFailVoteSign casts VoteNay regardless of a block's actual
	// validity, simulating a voter whose vote signature is rejected.
	FaultFailVoteSign
)

// Manager runs one channel's consensus loop: leader block production and
// vote tallying, or voter block validation and confirmation, depending on
// who peers.GetLeader() names.
type Manager struct {
	channel string
	store   *blockstore.Store
	peers   Peers
	signer  crypto.Signer
	bcast   Broadcaster
	score   score.Client
	algo    Algorithm
	clock   clock.Clock

	log *logrus.Entry

	mu                     sync.Mutex
	txQueue                *chain.TxQueue
	candidates             *chain.CandidateBlocks
	unconfirmed            *chain.Block // voter-staged, single slot per height
	blocksSinceLeader      int
	lastCandidateConfirmed bool // did the prior candidate reach quorum since the last broadcast

	// syncer and runCtx let HandleAnnounceUnconfirmedBlock fire a reactive
	// Height-Sync pass the instant it detects a linkage mismatch, instead
	// of waiting on Syncer.Run's periodic poll. Both are nil until Run
	// starts (runCtx) and SetSyncer is called (syncer is optional: a
	// sole-peer channel never needs one).
	syncer *Syncer
	runCtx context.Context

	// FaultInject, when non-zero, perturbs the voting path for test
	// harnesses exercising byzantine-peer scenarios.
	FaultInject FaultMode

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Manager for channel. algo selects the consensus
// variant (see algorithm.go); pass a real clock.New() in production and a
// clock.NewMock() in tests that need to fast-forward LFT timeouts.
func New(channel string, store *blockstore.Store, peers Peers, signer crypto.Signer, bcast Broadcaster, scoreClient score.Client, algo Algorithm, clk clock.Clock) *Manager {
	return &Manager{
		channel:    channel,
		store:      store,
		peers:      peers,
		signer:     signer,
		bcast:      bcast,
		score:      scoreClient,
		algo:       algo,
		clock:      clk,
		log:        logrus.WithFields(logrus.Fields{"component": "consensus", "channel": channel}),
		txQueue:    chain.NewTxQueue(),
		candidates: chain.NewCandidateBlocks(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetSyncer attaches the channel's Height-Sync Syncer so validation
// failures can trigger an immediate catch-up pass instead of waiting on
// Syncer's periodic poll. Safe to call before or after Run starts.
func (m *Manager) SetSyncer(s *Syncer) {
	m.mu.Lock()
	m.syncer = s
	m.mu.Unlock()
}

// AddTx validates and enqueues tx for inclusion in a future block.
func (m *Manager) AddTx(tx *chain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txQueue.Add(tx)
}

// Run drives the channel's consensus loop until ctx is cancelled or Stop
// is called: a leader ticks every tuning.IntervalBlockGeneration and
// attempts to produce a block; a voter idles at
// tuning.SleepSecondsInServiceNone, merely waiting on inbound RPCs.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
	for {
		isLeader := m.isSelfLeader()
		interval := tuning.SleepSecondsInServiceNone
		if isLeader {
			interval = tuning.IntervalBlockGeneration
		}
		timer := m.clock.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if isLeader {
				if err := m.produceBlock(ctx); err != nil {
					m.log.WithError(err).Debug("produce block")
				}
			}
		}
	}
}

// Stop halts Run.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) isSelfLeader() bool {
	leader, err := m.peers.GetLeader()
	if err != nil {
		return false
	}
	return leader == m.signer.PeerID()
}

// produceBlock assembles, signs and (per algo) either auto-commits or
// opens a candidate and broadcasts it for a vote.
func (m *Manager) produceBlock(ctx context.Context) error {
	m.mu.Lock()
	txs := m.txQueue.Drain(tuning.MaxBlockTxNum, tuning.MaxBlockKBytes)
	prevConfirmed := m.lastCandidateConfirmed
	m.mu.Unlock()

	height, _ := m.store.LastHeight()
	prevHash, hasTip := m.store.LastHash()
	nextHeight := height + 1
	if !hasTip {
		nextHeight = 0
		prevHash = chain.GenesisPrevHash
	}

	block := chain.NewBlock(m.channel, m.signer.PeerID(), prevHash, nextHeight, txs, chain.BlockGeneral)
	// PrevBlockConfirm carries whether the prior candidate actually reached
	// quorum since the last broadcast, so a voter that missed the explicit
	// AnnounceConfirmedBlock can piggy-back confirm its staged block off of
	// this one instead of waiting on a retransmit.
	block.PrevBlockConfirm = prevConfirmed
	signBlock(block, m.signer)

	if !m.algo.RequiresVote() {
		if err := m.confirmBlock(ctx, block); err != nil {
			m.mu.Lock()
			m.txQueue.Requeue(txs)
			m.mu.Unlock()
			return err
		}
		m.mu.Lock()
		m.lastCandidateConfirmed = true
		m.mu.Unlock()
		return nil
	}

	if err := m.candidates.Open(block, m.clock.Now().UnixNano()); err != nil {
		m.mu.Lock()
		m.txQueue.Requeue(txs)
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.lastCandidateConfirmed = false
	m.mu.Unlock()

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("consensus: marshal unconfirmed block: %w", err)
	}
	m.bcast.Broadcast(rpc.MethodAnnounceUnconfirmedBlock, rpc.AnnounceUnconfirmedBlockParams{
		Channel:    m.channel,
		BlockBytes: data,
	})

	m.clock.AfterFunc(tuning.BlockVoteTimeout, func() {
		m.closeStaleCandidate(block.BlockHash)
	})
	return nil
}

// PublishPeerListBlock builds, signs and locally commits a
// self-authenticating peer_list block carrying dump (a peer.Manager
// snapshot), then broadcasts it via AnnounceUnconfirmedBlock. Every voter
// applies it immediately on receipt (the BlockType == chain.BlockPeerList
// branch of HandleAnnounceUnconfirmedBlock) rather than entering the
// normal vote-tally flow, since membership changes are self-authenticating
// and don't need a quorum vote.
func (m *Manager) PublishPeerListBlock(ctx context.Context, dump []byte) error {
	tx, err := chain.NewTransaction(m.channel, m.signer.PeerID(), "", "", chain.TxPeerList, json.RawMessage(dump))
	if err != nil {
		return fmt.Errorf("consensus: build peer_list tx: %w", err)
	}
	tx.TxHash = tx.ComputeHash()
	tx.PublicKey = hex.EncodeToString(m.signer.PublicKey())
	tx.Signature = hex.EncodeToString(m.signer.Sign([]byte(tx.TxHash)))

	height, _ := m.store.LastHeight()
	prevHash, hasTip := m.store.LastHash()
	nextHeight := height + 1
	if !hasTip {
		nextHeight = 0
		prevHash = chain.GenesisPrevHash
	}
	block := chain.NewBlock(m.channel, m.signer.PeerID(), prevHash, nextHeight, []*chain.Transaction{tx}, chain.BlockPeerList)
	block.PrevBlockConfirm = true
	signBlock(block, m.signer)

	if err := m.store.PutPeerManagerDump(dump); err != nil {
		return fmt.Errorf("consensus: persist peer_list dump: %w", err)
	}
	if err := m.store.Append(block); err != nil {
		return fmt.Errorf("consensus: append peer_list block: %w", err)
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("consensus: marshal peer_list block: %w", err)
	}
	m.bcast.Broadcast(rpc.MethodAnnounceUnconfirmedBlock, rpc.AnnounceUnconfirmedBlockParams{
		Channel:    m.channel,
		BlockBytes: data,
	})
	return nil
}

// triggerHeightSync fires a single reactive Height-Sync pass in the
// background when validation reveals a height/hash mismatch (spec §4.7).
// A no-op until both Run has recorded a context and SetSyncer has been
// called; single-peer channels never get a Syncer at all.
func (m *Manager) triggerHeightSync() {
	m.mu.Lock()
	s := m.syncer
	ctx := m.runCtx
	m.mu.Unlock()
	if s == nil || ctx == nil {
		return
	}
	go func() {
		if err := s.SyncOnce(ctx); err != nil {
			m.log.WithError(err).Debug("reactive height sync pass")
		}
	}()
}

// signBlock mirrors chain.Block.Sign's field assignment but goes through
// crypto.Signer instead of a raw ed25519.PrivateKey, since Signer never
// hands out key material directly (spec §4.1's key-custody boundary).
func signBlock(block *chain.Block, signer crypto.Signer) {
	block.BlockHash = block.ComputeHash()
	block.PublicKey = hex.EncodeToString(signer.PublicKey())
	block.Signature = hex.EncodeToString(signer.Sign([]byte(block.BlockHash)))
}

// HandleAnnounceUnconfirmedBlock is the voter path: validate, stage, and
// vote. blockBytes is the raw JSON a peer's AnnounceUnconfirmedBlock RPC
// delivered.
func (m *Manager) HandleAnnounceUnconfirmedBlock(ctx context.Context, blockBytes json.RawMessage) error {
	var block chain.Block
	if err := json.Unmarshal(blockBytes, &block); err != nil {
		return fmt.Errorf("consensus: %w: unmarshal announce: %v", errs.ErrSchemaInvalid, err)
	}
	if err := block.VerifyIntegrity(); err != nil {
		return fmt.Errorf("consensus: %w: %v", errs.ErrSignatureInvalid, err)
	}
	if err := block.VerifyTransactions(); err != nil {
		return fmt.Errorf("consensus: %w: %v", errs.ErrSignatureInvalid, err)
	}

	// Step 1 (spec §4.6): piggy-back confirmation. block.PrevBlockConfirm
	// tells us whether the candidate we have staged already reached quorum
	// since the leader's last broadcast; if so, commit it now instead of
	// waiting on an AnnounceConfirmedBlock that may already be in flight
	// (or lost).
	m.mu.Lock()
	staged := m.unconfirmed
	m.mu.Unlock()
	if block.PrevBlockConfirm && staged != nil {
		if err := m.store.Append(staged); err != nil && !errors.Is(err, errs.ErrDuplicateHeight) {
			m.log.WithError(err).Warn("piggy-back confirm of staged block failed")
		} else {
			m.mu.Lock()
			if m.unconfirmed != nil && m.unconfirmed.BlockHash == staged.BlockHash {
				m.unconfirmed = nil
			}
			m.mu.Unlock()
		}
	}

	// chain.Block.VerifyIntegrity documents that it never checks chain
	// linkage — that's the caller's job, since linkage depends on local
	// chain state VerifyIntegrity has no access to. Check it here, before
	// any vote is cast, per spec §4.6.3: a block that doesn't chain onto
	// our tip gets a nay vote and a reactive Height-Sync pass instead of a
	// blind yea.
	lastHash, hasTip := m.store.LastHash()
	lastHeight, _ := m.store.LastHeight()
	wantHeight := uint64(0)
	wantPrevHash := chain.GenesisPrevHash
	if hasTip {
		wantHeight = lastHeight + 1
		wantPrevHash = lastHash
	}
	if block.Height != wantHeight || block.PrevBlockHash != wantPrevHash {
		m.log.WithFields(logrus.Fields{
			"block_height": block.Height, "want_height": wantHeight,
			"prev_block_hash": block.PrevBlockHash, "want_prev_hash": wantPrevHash,
		}).Warn("unconfirmed block fails chain linkage, voting nay and triggering height sync")
		m.bcast.Broadcast(rpc.MethodVoteUnconfirmedBlock, rpc.VoteUnconfirmedBlockParams{
			Channel:   m.channel,
			BlockHash: block.BlockHash,
			PeerID:    m.signer.PeerID(),
			VoteCode:  int(chain.VoteNay),
		})
		m.triggerHeightSync()
		if block.Height != wantHeight {
			return fmt.Errorf("consensus: %w: block height %d, want %d", errs.ErrHeightMismatch, block.Height, wantHeight)
		}
		return fmt.Errorf("consensus: %w: prev_block_hash %s, want %s", errs.ErrHashMismatch, block.PrevBlockHash, wantPrevHash)
	}

	// Step 2 (spec §4.6.2): peer_list blocks are self-authenticating
	// membership updates (already agreed on via direct PeerManager
	// mutation at the source) — commit them immediately rather than
	// tallying a vote that serves no purpose here.
	if block.BlockType == chain.BlockPeerList {
		if len(block.ConfirmedTransactions) != 1 {
			return fmt.Errorf("consensus: %w: peer_list block carries %d transactions, want 1", errs.ErrSchemaInvalid, len(block.ConfirmedTransactions))
		}
		dump := block.ConfirmedTransactions[0].Data
		if err := m.peers.Load(dump); err != nil {
			return fmt.Errorf("consensus: apply peer_list block: %w", err)
		}
		if err := m.store.PutPeerManagerDump(dump); err != nil {
			return fmt.Errorf("consensus: persist peer_list dump: %w", err)
		}
		if err := m.store.Append(&block); err != nil {
			return fmt.Errorf("consensus: append peer_list block: %w", err)
		}
		m.mu.Lock()
		if m.unconfirmed != nil && m.unconfirmed.BlockHash == block.BlockHash {
			m.unconfirmed = nil
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.unconfirmed = &block
	m.mu.Unlock()

	vote := chain.VoteYea
	if m.FaultInject == FaultFailVoteSign {
		vote = chain.VoteNay
	}
	m.bcast.Broadcast(rpc.MethodVoteUnconfirmedBlock, rpc.VoteUnconfirmedBlockParams{
		Channel:   m.channel,
		BlockHash: block.BlockHash,
		PeerID:    m.signer.PeerID(),
		VoteCode:  int(vote),
	})

	if d, ok := m.algo.VoteTimeout(); ok {
		m.clock.AfterFunc(d, func() {
			m.onVoteTimeout(block.BlockHash)
		})
	}
	return nil
}

// onVoteTimeout fires for AlgorithmLFT when AnnounceConfirmedBlock hasn't
// landed for the staged unconfirmed block by TIMEOUT_FOR_PEER_VOTE: the
// voter assumes the leader stalled and lodges a complaint, per spec §9's
// "leader complaint is an immediate override" decision (see DESIGN.md).
func (m *Manager) onVoteTimeout(blockHash string) {
	m.mu.Lock()
	staged := m.unconfirmed
	m.mu.Unlock()
	if staged == nil || staged.BlockHash != blockHash {
		return // already confirmed/replaced
	}
	leader, err := m.peers.GetLeader()
	if err != nil {
		return
	}
	next, err := m.peers.GetNextLeader()
	if err != nil {
		return
	}
	m.log.WithFields(logrus.Fields{"leader": leader, "next": next}).Warn("vote timeout, complaining")
	m.bcast.Broadcast(rpc.MethodComplainLeader, rpc.ComplainLeaderParams{
		Channel:            m.channel,
		ComplainedLeaderID: leader,
		NewLeaderID:        next,
		Message:            "vote timeout",
	})
}

// HandleVoteUnconfirmedBlock is the leader path: tally and, on quorum,
// confirm.
func (m *Manager) HandleVoteUnconfirmedBlock(ctx context.Context, hash, peerID string, voteCode int) error {
	if err := m.candidates.RecordVote(hash, peerID, chain.Vote(voteCode)); err != nil {
		return err
	}
	yea, _, cast, err := m.candidates.Tally(hash)
	if err != nil {
		return err
	}
	connected := 0
	for _, e := range m.peers.All() {
		if e.Status != peer.StatusUnreachable {
			connected++
		}
	}
	if !chain.HasQuorum(yea, cast, connected, tuning.VotingRatio) {
		return nil
	}
	cand, ok := m.candidates.Get(hash)
	if !ok {
		return nil
	}
	if err := m.confirmBlock(ctx, cand.Block); err != nil {
		return err
	}
	m.candidates.Close(hash, chain.OutcomeConfirmed)

	m.mu.Lock()
	m.lastCandidateConfirmed = true
	m.blocksSinceLeader++
	rotate := m.blocksSinceLeader >= tuning.LeaderBlockCreationLimit
	if rotate {
		m.blocksSinceLeader = 0
	}
	m.mu.Unlock()

	if rotate {
		m.rotateLeader()
	}
	return nil
}

func (m *Manager) rotateLeader() {
	current, err := m.peers.GetLeader()
	if err != nil {
		return
	}
	next, err := m.peers.GetNextLeader()
	if err != nil {
		return
	}
	m.bcast.Broadcast(rpc.MethodAnnounceNewLeader, rpc.AnnounceNewLeaderParams{
		Channel:            m.channel,
		ComplainedLeaderID: current,
		NewLeaderID:        next,
		Message:            "leader block creation limit reached",
	})
}

// confirmBlock executes every transaction's score invocation, appends the
// block, and broadcasts AnnounceConfirmedBlock.
func (m *Manager) confirmBlock(ctx context.Context, block *chain.Block) error {
	for _, tx := range block.ConfirmedTransactions {
		result, invokeErr := m.score.Invoke(ctx, tx.ScoreID, tx.ScoreVersion, tx.Data)
		ir := &blockstore.InvokeResult{TxHash: tx.TxHash, Success: invokeErr == nil, Result: result}
		if invokeErr != nil {
			ir.Error = invokeErr.Error()
		}
		if err := m.store.PutInvokeResult(tx.TxHash, ir); err != nil {
			return fmt.Errorf("consensus: persist invoke result: %w", err)
		}
	}
	if err := m.store.Append(block); err != nil {
		return fmt.Errorf("consensus: append confirmed block: %w", err)
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("consensus: marshal confirmed block: %w", err)
	}
	m.bcast.Broadcast(rpc.MethodAnnounceConfirmedBlock, rpc.AnnounceConfirmedBlockParams{
		Channel:    m.channel,
		BlockHash:  block.BlockHash,
		BlockBytes: data,
	})
	return nil
}

// HandleAnnounceConfirmedBlock is the voter path for a leader's
// confirmation broadcast: verify and append.
func (m *Manager) HandleAnnounceConfirmedBlock(ctx context.Context, blockHash string, blockBytes json.RawMessage) error {
	var block chain.Block
	if err := json.Unmarshal(blockBytes, &block); err != nil {
		return fmt.Errorf("consensus: %w: unmarshal confirm: %v", errs.ErrSchemaInvalid, err)
	}
	if block.BlockHash != blockHash {
		m.triggerHeightSync()
		return fmt.Errorf("consensus: confirm hash mismatch: %w", errs.ErrHashMismatch)
	}
	if err := block.VerifyIntegrity(); err != nil {
		return fmt.Errorf("consensus: %w: %v", errs.ErrSignatureInvalid, err)
	}
	if err := m.store.Append(&block); err != nil {
		if errors.Is(err, errs.ErrHashMismatch) || errors.Is(err, errs.ErrDuplicateHeight) {
			m.triggerHeightSync()
		}
		return fmt.Errorf("consensus: append confirmed block: %w", err)
	}
	m.mu.Lock()
	if m.unconfirmed != nil && m.unconfirmed.BlockHash == blockHash {
		m.unconfirmed = nil
	}
	m.mu.Unlock()
	return nil
}

// HandleComplainLeader applies the immediate-override leader complaint
// policy (spec §9 supplemented feature, see DESIGN.md): no tallied
// complaint vote, the named new leader takes over at once.
func (m *Manager) HandleComplainLeader(complainedLeaderID, newLeaderID string) error {
	return m.peers.SetLeader(newLeaderID)
}

func (m *Manager) closeStaleCandidate(hash string) {
	if _, ok := m.candidates.Get(hash); ok {
		m.candidates.Close(hash, chain.OutcomeFailed)
		m.log.WithField("block_hash", hash).Warn("candidate vote timed out, closing as failed")
	}
}
