package node

import (
	"context"
	"encoding/json"

	"github.com/tolelom/loopnode/channel"
	"github.com/tolelom/loopnode/rpc"
)

// The methods below satisfy rpc.Handler by looking up the named channel's
// Runtime and delegating; Runtime itself carries no channel parameter
// since it is already scoped to one channel (spec §6's wire methods all
// name a channel except AnnounceDeletePeer, handled node-wide below).

func (s *Service) GetStatus(ctx context.Context, channel string) (*rpc.StatusReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.GetStatus(ctx)
}

func (s *Service) AddTx(ctx context.Context, channel string, txBytes json.RawMessage) (*rpc.CommonReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.AddTx(ctx, txBytes)
}

func (s *Service) GetTx(ctx context.Context, channel, txHash string) (*rpc.GetTxReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.GetTx(ctx, txHash)
}

func (s *Service) CreateTx(ctx context.Context, channel string, dataJSON json.RawMessage) (*rpc.CreateTxReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.CreateTx(ctx, dataJSON)
}

func (s *Service) GetInvokeResult(ctx context.Context, channel, txHash string) (*rpc.GetInvokeResultReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.GetInvokeResult(ctx, txHash)
}

func (s *Service) GetBlock(ctx context.Context, p rpc.GetBlockParams) (*rpc.GetBlockReply, error) {
	rt, err := s.runtime(p.Channel)
	if err != nil {
		return nil, err
	}
	return rt.GetBlock(ctx, p)
}

func (s *Service) GetLastBlockHash(ctx context.Context, channel string) (*rpc.BlockReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.GetLastBlockHash(ctx)
}

func (s *Service) Query(ctx context.Context, channel string, dataJSON json.RawMessage) (json.RawMessage, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.Query(ctx, dataJSON)
}

func (s *Service) AnnounceUnconfirmedBlock(ctx context.Context, channel string, blockBytes json.RawMessage) (*rpc.CommonReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.AnnounceUnconfirmedBlock(ctx, blockBytes)
}

func (s *Service) AnnounceConfirmedBlock(ctx context.Context, channel, blockHash string, blockBytes json.RawMessage) (*rpc.CommonReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.AnnounceConfirmedBlock(ctx, blockHash, blockBytes)
}

func (s *Service) VoteUnconfirmedBlock(ctx context.Context, p rpc.VoteUnconfirmedBlockParams) (*rpc.CommonReply, error) {
	rt, err := s.runtime(p.Channel)
	if err != nil {
		return nil, err
	}
	return rt.VoteUnconfirmedBlock(ctx, p)
}

func (s *Service) BlockSync(ctx context.Context, channel string, height uint64) (*rpc.BlockSyncReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.BlockSync(ctx, height)
}

func (s *Service) AnnounceNewPeer(ctx context.Context, channel string, peerBytes json.RawMessage, peerTarget string) (*rpc.CommonReply, error) {
	rt, err := s.runtime(channel)
	if err != nil {
		return nil, err
	}
	return rt.AnnounceNewPeer(ctx, peerBytes, peerTarget)
}

// AnnounceDeletePeer names no channel (spec §6): the peer is removed from
// every channel this node runs.
func (s *Service) AnnounceDeletePeer(ctx context.Context, peerID, groupID string) (*rpc.CommonReply, error) {
	s.mu.RLock()
	runtimes := make([]*channel.Runtime, 0, len(s.channels))
	for _, rt := range s.channels {
		runtimes = append(runtimes, rt)
	}
	s.mu.RUnlock()
	for _, rt := range runtimes {
		rt.RemovePeer(peerID)
	}
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

func (s *Service) AnnounceNewLeader(ctx context.Context, p rpc.AnnounceNewLeaderParams) (*rpc.CommonReply, error) {
	rt, err := s.runtime(p.Channel)
	if err != nil {
		return nil, err
	}
	return rt.AnnounceNewLeader(ctx, p)
}

func (s *Service) ComplainLeader(ctx context.Context, p rpc.ComplainLeaderParams) (*rpc.CommonReply, error) {
	rt, err := s.runtime(p.Channel)
	if err != nil {
		return nil, err
	}
	return rt.ComplainLeader(ctx, p)
}

func (s *Service) Subscribe(ctx context.Context, p rpc.SubscribeParams) (*rpc.CommonReply, error) {
	rt, err := s.runtime(p.Channel)
	if err != nil {
		return nil, err
	}
	return rt.Subscribe(ctx, p)
}

func (s *Service) UnSubscribe(ctx context.Context, p rpc.SubscribeParams) (*rpc.CommonReply, error) {
	rt, err := s.runtime(p.Channel)
	if err != nil {
		return nil, err
	}
	return rt.UnSubscribe(ctx, p)
}
