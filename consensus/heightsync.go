package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/chain"
	"github.com/tolelom/loopnode/errs"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/tuning"
)

// SyncStub is the subset of rpc.Client Height-Sync needs from a peer
// connection, kept minimal so tests can supply an in-memory fake instead
// of a real socket.
type SyncStub interface {
	GetStatus(ctx context.Context, channel string) (*SyncStatus, error)
	BlockSync(ctx context.Context, channel string, height uint64) (*SyncBlock, error)
}

// SyncStatus/SyncBlock mirror rpc.StatusReply/rpc.BlockSyncReply's
// fields Height-Sync actually reads, so this package depends only on the
// shape it needs rather than the full rpc wire type.
type SyncStatus struct {
	BlockHeight uint64
}

type SyncBlock struct {
	BlockHeight    uint64
	MaxBlockHeight uint64
	BlockBytes     json.RawMessage
}

// SyncDialer resolves a peer entry to a SyncStub. Syncer never dials
// directly; channel.NewSyncDialer supplies one built on rpc.NewClient plus
// an rpc.Client adapter, matching broadcast.Worker's Dialer pattern.
type SyncDialer func(e *peer.Entry) (SyncStub, error)

// Syncer implements Height-Sync (spec §4.7): round-robin query of every
// other channel peer's height, pulling and appending missing blocks until
// the local store catches up to the highest height observed. Grounded on
// the teacher's (now-superseded) network/sync.go round-robin/
// snapshot-revert Syncer.
type Syncer struct {
	channel string
	store   *blockstore.Store
	peers   Peers
	selfID  string
	dial    SyncDialer
	log     *logrus.Entry

	inProgress atomic.Bool
}

// NewSyncer constructs a Syncer for channel.
func NewSyncer(channel string, store *blockstore.Store, peers Peers, selfID string, dial SyncDialer) *Syncer {
	return &Syncer{
		channel: channel,
		store:   store,
		peers:   peers,
		selfID:  selfID,
		dial:    dial,
		log:     logrus.WithFields(logrus.Fields{"component": "heightsync", "channel": channel}),
	}
}

// Run polls on tuning.HeightSyncPollInterval until ctx is cancelled,
// invoking a catch-up pass whenever the local chain might be behind.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(tuning.HeightSyncPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.log.WithError(err).Debug("height sync pass")
			}
		}
	}
}

// SyncOnce runs a single catch-up pass: build the stub list, find the max
// observed height, and pull blocks round-robin until caught up. Re-entrancy
// guarded so overlapping timer fires never run two passes concurrently.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if !s.inProgress.CompareAndSwap(false, true) {
		return nil // a pass is already running
	}
	defer s.inProgress.Store(false)

	stubs := s.buildStubs()
	if len(stubs) == 0 {
		return nil
	}

	localHeight, hasTip := s.store.LastHeight()
	maxHeight, owner := s.maxObservedHeight(ctx, stubs)
	if owner == nil || (hasTip && maxHeight <= localHeight) {
		return nil
	}

	from := uint64(0)
	if hasTip {
		from = localHeight + 1
	}
	if err := s.pullRange(ctx, stubs, from, maxHeight); err != nil {
		if isCorruptionErr(err) {
			s.log.WithError(err).Warn("chain corruption detected, clearing and resyncing from genesis")
			if clearErr := s.store.Clear(); clearErr != nil {
				return fmt.Errorf("heightsync: clear after corruption: %w", clearErr)
			}
			return s.pullRange(ctx, stubs, 0, maxHeight)
		}
		return err
	}

	// Recurse: another leader round may have advanced further while we
	// were pulling this range. Peers are asked for their heights again, and
	// the guard is released first so the recursive pass is not refused.
	newHeight, _ := s.store.LastHeight()
	if newMax, again := s.maxObservedHeight(ctx, stubs); again != nil && newHeight < newMax {
		s.inProgress.Store(false)
		return s.SyncOnce(ctx)
	}
	return nil
}

func isCorruptionErr(err error) bool {
	return errors.Is(err, errs.ErrHashMismatch) || errors.Is(err, errs.ErrDuplicateHeight) || errors.Is(err, errs.ErrStoreCorrupt)
}

type syncTarget struct {
	entry *peer.Entry
	stub  SyncStub
}

func (s *Syncer) buildStubs() []syncTarget {
	var out []syncTarget
	for _, e := range s.peers.All() {
		if e.PeerID == s.selfID {
			continue
		}
		stub, err := s.dial(e)
		if err != nil {
			continue
		}
		out = append(out, syncTarget{entry: e, stub: stub})
	}
	return out
}

func (s *Syncer) maxObservedHeight(ctx context.Context, stubs []syncTarget) (uint64, *syncTarget) {
	var max uint64
	var owner *syncTarget
	for i := range stubs {
		status, err := stubs[i].stub.GetStatus(ctx, s.channel)
		if err != nil {
			continue
		}
		if owner == nil || status.BlockHeight > max {
			max = status.BlockHeight
			owner = &stubs[i]
		}
	}
	return max, owner
}

// pullRange fetches [from, to] in order, round-robin across stubs so one
// slow/unreachable peer doesn't stall the whole pass; a peer that errors
// is dropped from rotation for the remainder of this pass.
func (s *Syncer) pullRange(ctx context.Context, stubs []syncTarget, from, to uint64) error {
	if len(stubs) == 0 {
		return fmt.Errorf("heightsync: no reachable peers")
	}
	idx := 0
	for h := from; h <= to; h++ {
		var lastErr error
		attempts := 0
		for attempts < len(stubs) {
			target := stubs[idx%len(stubs)]
			idx++
			attempts++
			reply, err := target.stub.BlockSync(ctx, s.channel, h)
			if err != nil {
				lastErr = err
				stubs = dropStub(stubs, target.entry.PeerID)
				if len(stubs) == 0 {
					return fmt.Errorf("heightsync: exhausted peers at height %d: %w", h, err)
				}
				continue
			}
			var block chain.Block
			if err := json.Unmarshal(reply.BlockBytes, &block); err != nil {
				lastErr = fmt.Errorf("heightsync: unmarshal block at height %d: %w", h, err)
				continue
			}
			if err := block.VerifyIntegrity(); err != nil {
				lastErr = fmt.Errorf("heightsync: %w: %v", errs.ErrSignatureInvalid, err)
				continue
			}
			if err := s.store.Append(&block); err != nil {
				return err // propagate so the caller can decide to clear-and-resync
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return lastErr
		}
	}
	return nil
}

func dropStub(stubs []syncTarget, peerID string) []syncTarget {
	out := stubs[:0]
	for _, t := range stubs {
		if t.entry.PeerID != peerID {
			out = append(out, t)
		}
	}
	return out
}
