package chain

import (
	"fmt"
	"sync"

	"github.com/tolelom/loopnode/errs"
)

// Vote is a voter's decision on a candidate block.
type Vote int

const (
	VoteNay Vote = iota
	VoteYea
)

// Candidate is one in-flight, not-yet-committed block together with the
// votes collected for it so far.
type Candidate struct {
	Block   *Block
	Votes   map[string]Vote // peer_id -> vote, idempotent last-write-wins
	OpenedAt int64
}

// Outcome is the terminal state a Candidate is closed with.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailed
)

// CandidateBlocks is the per-leader buffer of in-flight candidates. At
// most one candidate may be open per height, matching the data-model
// invariant in spec §3.
type CandidateBlocks struct {
	mu         sync.Mutex
	byHash     map[string]*Candidate
	heightOpen map[uint64]string // height -> block_hash, enforces "one open candidate per height"
}

// NewCandidateBlocks returns an empty buffer.
func NewCandidateBlocks() *CandidateBlocks {
	return &CandidateBlocks{
		byHash:     make(map[string]*Candidate),
		heightOpen: make(map[uint64]string),
	}
}

// Open registers a freshly proposed block as a candidate. openedAt should
// be a monotonic/wall timestamp supplied by the caller (consensus.Manager
// uses its injected clock, not time.Now, so tests can control elapsed time).
func (c *CandidateBlocks) Open(block *Block, openedAt int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.heightOpen[block.Height]; ok && existing != block.BlockHash {
		return fmt.Errorf("candidate height %d: %w", block.Height, errs.ErrAlreadyOpen)
	}
	c.byHash[block.BlockHash] = &Candidate{
		Block:    block,
		Votes:    make(map[string]Vote),
		OpenedAt: openedAt,
	}
	c.heightOpen[block.Height] = block.BlockHash
	return nil
}

// RecordVote is idempotent per peerID: a later call from the same peer
// overwrites its earlier vote rather than double-counting it.
func (c *CandidateBlocks) RecordVote(hash, peerID string, vote Vote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand, ok := c.byHash[hash]
	if !ok {
		return fmt.Errorf("candidate %s: %w", hash, errs.ErrNotFound)
	}
	cand.Votes[peerID] = vote
	return nil
}

// Tally returns (yea, nay, totalVoters) for the candidate at hash.
func (c *CandidateBlocks) Tally(hash string) (yea, nay, total int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand, ok := c.byHash[hash]
	if !ok {
		return 0, 0, 0, fmt.Errorf("candidate %s: %w", hash, errs.ErrNotFound)
	}
	for _, v := range cand.Votes {
		if v == VoteYea {
			yea++
		} else {
			nay++
		}
	}
	return yea, nay, len(cand.Votes), nil
}

// HasQuorum implements the spec's quorum rule: yea/totalVoters >= ratio
// AND the ballots cast so far cover at least ratio of the currently
// connected voter set (so a handful of early yeas on a large channel
// can't declare quorum before enough of the channel has actually voted).
func HasQuorum(yea, castTotal, connectedVoters int, ratio float64) bool {
	if castTotal == 0 || connectedVoters == 0 {
		return false
	}
	yeaRatio := float64(yea) / float64(castTotal)
	coverage := float64(castTotal) / float64(connectedVoters)
	return yeaRatio >= ratio && coverage >= ratio
}

// Get returns the candidate block for hash, if open.
func (c *CandidateBlocks) Get(hash string) (*Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand, ok := c.byHash[hash]
	return cand, ok
}

// Close removes the candidate regardless of outcome; BlockStore forwarding
// on OutcomeConfirmed is the caller's responsibility (consensus.Manager),
// not this structure's — CandidateBlocks only tracks in-flight votes.
func (c *CandidateBlocks) Close(hash string, _ Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand, ok := c.byHash[hash]; ok {
		delete(c.heightOpen, cand.Block.Height)
	}
	delete(c.byHash, hash)
}
