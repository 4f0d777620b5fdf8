package consensus

import "time"

// AlgorithmKind selects one of the four consensus variants spec §9's
// "tagged variant" redesign calls for, replacing the source's dynamic
// per-channel dispatch (ConsensusSiever/ConsensusLFT subclasses) with a
// value chosen once at channel init from config.
type AlgorithmKind string

const (
	AlgorithmNone    AlgorithmKind = "none"
	AlgorithmDefault AlgorithmKind = "default"
	AlgorithmSiever  AlgorithmKind = "siever"
	AlgorithmLFT     AlgorithmKind = "lft"
)

// Algorithm is the small set of knobs that differ between variants; the
// block assembly, voting and confirmation logic itself is common to all
// four and lives in Manager, so that logic is never duplicated per
// variant.
type Algorithm interface {
	Kind() AlgorithmKind
	// RequiresVote reports whether a proposed block must collect quorum
	// votes before being appended. False only for AlgorithmNone, used by
	// sole-peer channels where there is no one else to vote.
	RequiresVote() bool
	// VoteTimeout returns the per-unconfirmed-block timer duration and
	// whether one applies. Only AlgorithmLFT runs this timer.
	VoteTimeout() (time.Duration, bool)
}

type algorithm struct {
	kind         AlgorithmKind
	requiresVote bool
	voteTimeout  time.Duration
	hasTimeout   bool
}

func (a algorithm) Kind() AlgorithmKind                { return a.kind }
func (a algorithm) RequiresVote() bool                 { return a.requiresVote }
func (a algorithm) VoteTimeout() (time.Duration, bool) { return a.voteTimeout, a.hasTimeout }

// None auto-commits proposed blocks without a vote round, for channels
// with exactly one member.
func None() Algorithm { return algorithm{kind: AlgorithmNone, requiresVote: false} }

// Default tallies votes against VOTING_RATIO with no per-block timer.
func Default() Algorithm { return algorithm{kind: AlgorithmDefault, requiresVote: true} }

// Siever is Default's drop-in for channels running the source's
// consensus_siever selection; the distillation this spec is built from
// does not describe a behavioral difference beyond broadcast batching,
// which this implementation doesn't distinguish from Default's fan-out
// (broadcast.Worker already fans out to every subscriber concurrently).
func Siever() Algorithm { return algorithm{kind: AlgorithmSiever, requiresVote: true} }

// LFT adds the TIMEOUT_FOR_PEER_VOTE per-block timer: a voter that hasn't
// seen AnnounceConfirmedBlock by the deadline lodges a ComplainLeader.
func LFT(voteTimeout time.Duration) Algorithm {
	return algorithm{kind: AlgorithmLFT, requiresVote: true, voteTimeout: voteTimeout, hasTimeout: true}
}

// ForKind returns the concrete Algorithm for a config-selected kind,
// using lftTimeout as LFT's per-block vote timer.
func ForKind(kind AlgorithmKind, lftTimeout time.Duration) Algorithm {
	switch kind {
	case AlgorithmNone:
		return None()
	case AlgorithmSiever:
		return Siever()
	case AlgorithmLFT:
		return LFT(lftTimeout)
	default:
		return Default()
	}
}
