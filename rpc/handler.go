package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler is implemented by node.Service, which serves AnnounceDeletePeer
// itself and routes every other method in spec §6 to the named channel's
// channel.Runtime. Server only knows how to
// frame bytes; Handler is where channel/consensus semantics live.
type Handler interface {
	GetStatus(ctx context.Context, channel string) (*StatusReply, error)
	AddTx(ctx context.Context, channel string, txBytes json.RawMessage) (*CommonReply, error)
	GetTx(ctx context.Context, channel, txHash string) (*GetTxReply, error)
	CreateTx(ctx context.Context, channel string, dataJSON json.RawMessage) (*CreateTxReply, error)
	GetInvokeResult(ctx context.Context, channel, txHash string) (*GetInvokeResultReply, error)
	GetBlock(ctx context.Context, p GetBlockParams) (*GetBlockReply, error)
	GetLastBlockHash(ctx context.Context, channel string) (*BlockReply, error)
	Query(ctx context.Context, channel string, dataJSON json.RawMessage) (json.RawMessage, error)

	AnnounceUnconfirmedBlock(ctx context.Context, channel string, blockBytes json.RawMessage) (*CommonReply, error)
	AnnounceConfirmedBlock(ctx context.Context, channel, blockHash string, blockBytes json.RawMessage) (*CommonReply, error)
	VoteUnconfirmedBlock(ctx context.Context, p VoteUnconfirmedBlockParams) (*CommonReply, error)
	BlockSync(ctx context.Context, channel string, height uint64) (*BlockSyncReply, error)

	AnnounceNewPeer(ctx context.Context, channel string, peerBytes json.RawMessage, peerTarget string) (*CommonReply, error)
	AnnounceDeletePeer(ctx context.Context, peerID, groupID string) (*CommonReply, error)
	AnnounceNewLeader(ctx context.Context, p AnnounceNewLeaderParams) (*CommonReply, error)
	ComplainLeader(ctx context.Context, p ComplainLeaderParams) (*CommonReply, error)

	Subscribe(ctx context.Context, p SubscribeParams) (*CommonReply, error)
	UnSubscribe(ctx context.Context, p SubscribeParams) (*CommonReply, error)
}

// dispatch decodes env.Params per env.Method, calls the matching Handler
// method, and encodes the result back into an Envelope. Centralizing this
// switch in one function keeps Server's per-connection code transport-only.
func dispatch(ctx context.Context, h Handler, env Envelope) Envelope {
	result, err := route(ctx, h, env.Method, env.Params)
	if err != nil {
		return Envelope{Err: toRPCError(err)}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Envelope{Err: &Error{Code: CodeInternal, Message: err.Error()}}
	}
	return Envelope{Result: data}
}

func route(ctx context.Context, h Handler, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodGetStatus:
		var p GetStatusParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.GetStatus(ctx, p.Channel)
	case MethodAddTx:
		var p AddTxParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.AddTx(ctx, p.Channel, p.TxBytes)
	case MethodGetTx:
		var p GetTxParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.GetTx(ctx, p.Channel, p.TxHash)
	case MethodCreateTx:
		var p CreateTxParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.CreateTx(ctx, p.Channel, p.DataJSON)
	case MethodGetInvokeResult:
		var p GetInvokeResultParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.GetInvokeResult(ctx, p.Channel, p.TxHash)
	case MethodGetBlock:
		var p GetBlockParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.GetBlock(ctx, p)
	case MethodGetLastBlockHash:
		var p GetLastBlockHashParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.GetLastBlockHash(ctx, p.Channel)
	case MethodQuery:
		var p QueryParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.Query(ctx, p.Channel, p.DataJSON)
	case MethodAnnounceUnconfirmedBlock:
		var p AnnounceUnconfirmedBlockParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.AnnounceUnconfirmedBlock(ctx, p.Channel, p.BlockBytes)
	case MethodAnnounceConfirmedBlock:
		var p AnnounceConfirmedBlockParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.AnnounceConfirmedBlock(ctx, p.Channel, p.BlockHash, p.BlockBytes)
	case MethodVoteUnconfirmedBlock:
		var p VoteUnconfirmedBlockParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.VoteUnconfirmedBlock(ctx, p)
	case MethodBlockSync:
		var p BlockSyncParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.BlockSync(ctx, p.Channel, p.Height)
	case MethodAnnounceNewPeer:
		var p AnnounceNewPeerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.AnnounceNewPeer(ctx, p.Channel, p.PeerBytes, p.PeerTarget)
	case MethodAnnounceDeletePeer:
		var p AnnounceDeletePeerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.AnnounceDeletePeer(ctx, p.PeerID, p.GroupID)
	case MethodAnnounceNewLeader:
		var p AnnounceNewLeaderParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.AnnounceNewLeader(ctx, p)
	case MethodComplainLeader:
		var p ComplainLeaderParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.ComplainLeader(ctx, p)
	case MethodSubscribe:
		var p SubscribeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.Subscribe(ctx, p)
	case MethodUnSubscribe:
		var p SubscribeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.UnSubscribe(ctx, p)
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", method)
	}
}

func toRPCError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
