// Package tuning centralizes the magic numbers that govern block assembly,
// broadcast fan-out and consensus timing, so every package that needs one
// of these constants imports a single source of truth instead of
// redeclaring it.
package tuning

import "time"

const (
	// MaxBlockTxNum bounds how many transactions a leader drains from its
	// tx queue per block.
	MaxBlockTxNum = 1000
	// MaxBlockKBytes bounds the serialized size of one block's confirmed
	// transactions; a tx that would overflow this is deferred to the next
	// block rather than splitting.
	MaxBlockKBytes = 3000 * 1024

	// LeaderBlockCreationLimit: once a leader has produced this many
	// blocks, it surrenders leadership to the next peer in rotation.
	LeaderBlockCreationLimit = 50

	// VotingRatio is the default quorum threshold: yea/total_voters must
	// meet or exceed this, and the ballots cast so far must cover this
	// fraction of currently connected voters.
	VotingRatio = 0.65

	// MaxWorkers bounds concurrent per-broadcast fan-out (outbound) in
	// broadcast.Worker. Inbound RPC service is not bounded by it: rpc.Server
	// serves each accepted connection on its own goroutine.
	MaxWorkers = 100

	// BroadcastRetryTimes: consecutive per-subscriber broadcast failures
	// before broadcast.Worker reports that subscriber as disconnected.
	BroadcastRetryTimes = 5
)

const (
	// GRPCTimeoutBroadcastRetry is broadcast.Worker's per-subscriber call
	// timeout for the hot consensus path (AnnounceUnconfirmedBlock,
	// AnnounceConfirmedBlock, VoteUnconfirmedBlock).
	GRPCTimeoutBroadcastRetry = 6 * time.Second

	// GRPCTimeoutDefault is the call timeout for every other method.
	GRPCTimeoutDefault = 30 * time.Second

	// LeaderCompleteTimeout is a 10 s leader-discovery wait. No code in this
	// module reads it: voters run no leader-discovery timer.
	LeaderCompleteTimeout = 10 * time.Second

	// HeightSyncPollInterval is how often Height-Sync checks whether the
	// local chain has fallen behind the channel's max observed height.
	HeightSyncPollInterval = 2 * time.Second

	// IntervalBlockGeneration is how often a leader's Manager.Run loop
	// attempts to produce a block.
	IntervalBlockGeneration = 1 * time.Second

	// SleepSecondsInServiceNone is how often a voter's Manager.Run loop
	// polls leader/leadership state while idle.
	SleepSecondsInServiceNone = 2 * time.Second

	// BlockVoteTimeout closes a candidate as failed if quorum is not
	// reached within this long of opening it.
	BlockVoteTimeout = 600 * time.Second

	// TimeoutForPeerVote equals the default of config's lft_vote_timeout_ms.
	// The per-unconfirmed-block timer a voter runs under the LFT algorithm
	// (a ComplainLeader is lodged if AnnounceConfirmedBlock hasn't arrived
	// when it fires) takes its duration from that config field, passed to
	// consensus.ForKind, not from this constant.
	TimeoutForPeerVote = 20 * time.Second
)
