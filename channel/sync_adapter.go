package channel

import (
	"context"
	"crypto/tls"

	"github.com/tolelom/loopnode/consensus"
	"github.com/tolelom/loopnode/errs"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
)

// rpcSyncStub adapts an *rpc.Client's typed replies to consensus.SyncStub,
// the narrower shape Height-Sync actually reads.
type rpcSyncStub struct {
	client  *rpc.Client
	channel string
}

func (s *rpcSyncStub) GetStatus(ctx context.Context, channel string) (*consensus.SyncStatus, error) {
	reply, err := s.client.GetStatus(ctx, channel)
	if err != nil {
		return nil, err
	}
	return &consensus.SyncStatus{BlockHeight: reply.BlockHeight}, nil
}

func (s *rpcSyncStub) BlockSync(ctx context.Context, channel string, height uint64) (*consensus.SyncBlock, error) {
	reply, err := s.client.BlockSync(ctx, channel, height)
	if err != nil {
		return nil, err
	}
	if reply.Code != rpc.CodeOK {
		return nil, errs.ErrNotFound
	}
	return &consensus.SyncBlock{
		BlockHeight:    reply.BlockHeight,
		MaxBlockHeight: reply.MaxBlockHeight,
		BlockBytes:     reply.BlockBytes,
	}, nil
}

// NewSyncDialer builds a consensus.SyncDialer that dials a peer via
// rpc.NewClient, mirroring broadcast's Dialer (peer.Entry → rpc.Client).
// tlsConfig is nil for plaintext test networks, non-nil for mTLS-secured
// outer traffic. Exported so node.Service can wire a channel's Syncer
// during boot (spec §4.8).
func NewSyncDialer(channel string, tlsConfig *tls.Config) consensus.SyncDialer {
	return func(e *peer.Entry) (consensus.SyncStub, error) {
		client := rpc.NewClient(e.Addr(), tlsConfig)
		return &rpcSyncStub{client: client, channel: channel}, nil
	}
}
