// Package rpc implements the framed, length-prefixed JSON transport every
// channel peer speaks: an outer, mTLS-protected listener for inter-peer
// calls and an inner, loopback-only listener for same-host CLI/admin
// calls. Grounded on the teacher's network/peer.go framing (4-byte
// big-endian length prefix + JSON body) and rpc/handler.go's method
// dispatch table, generalized from a JSON-RPC-over-HTTP single method set
// to the full outer/inner surface in spec §6.
package rpc

import "encoding/json"

// Envelope is the wire frame for both requests and responses. A request
// sets Method/Params; a response sets Result/Err. One TCP (or TLS)
// connection carries exactly one request/response pair — see Client.Call
// and Server.handleConn.
type Envelope struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// Error mirrors the CommonReply{code, msg} shape used throughout spec §6.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Method names, matching spec §6 exactly.
const (
	MethodGetStatus                = "GetStatus"
	MethodAddTx                    = "AddTx"
	MethodGetTx                    = "GetTx"
	MethodCreateTx                 = "CreateTx"
	MethodGetInvokeResult          = "GetInvokeResult"
	MethodGetBlock                 = "GetBlock"
	MethodGetLastBlockHash         = "GetLastBlockHash"
	MethodQuery                    = "Query"
	MethodAnnounceUnconfirmedBlock = "AnnounceUnconfirmedBlock"
	MethodAnnounceConfirmedBlock   = "AnnounceConfirmedBlock"
	MethodVoteUnconfirmedBlock     = "VoteUnconfirmedBlock"
	MethodBlockSync                = "BlockSync"
	MethodAnnounceNewPeer          = "AnnounceNewPeer"
	MethodAnnounceDeletePeer       = "AnnounceDeletePeer"
	MethodAnnounceNewLeader        = "AnnounceNewLeader"
	MethodComplainLeader           = "ComplainLeader"
	MethodSubscribe                = "Subscribe"
	MethodUnSubscribe              = "UnSubscribe"
)

// CommonReply is the {code, msg} result shared by every mutation-style
// method (AddTx, AnnounceUnconfirmedBlock, Subscribe, ...).
type CommonReply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// Reply codes. 0 is success; everything else maps to one of the
// errs.Err* sentinels at the call site.
const (
	CodeOK               = 0
	CodeInvalidRequest   = 400
	CodeSignatureInvalid = 401
	CodeNotFound         = 404
	CodeHeightMismatch   = 409
	CodeDuplicateHeight  = 410
	CodeScoreUnavailable = 503
	CodeInternal         = 500
)

// StatusReply answers GetStatus.
type StatusReply struct {
	StatusJSON          json.RawMessage `json:"status_json"`
	BlockHeight         uint64          `json:"block_height"`
	TotalTx             uint64          `json:"total_tx"`
	IsLeaderComplaining bool            `json:"is_leader_complaining"`
}

// GetTxReply answers GetTx.
type GetTxReply struct {
	Code      int             `json:"code"`
	MetaJSON  json.RawMessage `json:"meta_json,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Signature string          `json:"signature,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
	MoreInfo  string          `json:"more_info,omitempty"`
}

// CreateTxReply answers CreateTx.
type CreateTxReply struct {
	Code     int    `json:"code"`
	TxHash   string `json:"tx_hash,omitempty"`
	MoreInfo string `json:"more_info,omitempty"`
}

// GetInvokeResultReply answers GetInvokeResult.
type GetInvokeResultReply struct {
	Code       int             `json:"code"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"`
}

// GetBlockReply answers GetBlock.
type GetBlockReply struct {
	Code          int               `json:"code"`
	BlockHash     string            `json:"block_hash,omitempty"`
	BlockDataJSON json.RawMessage   `json:"block_data_json,omitempty"`
	TxDataJSON    []json.RawMessage `json:"tx_data_json,omitempty"`
}

// BlockReply answers GetLastBlockHash.
type BlockReply struct {
	Code      int    `json:"code"`
	Message   string `json:"message,omitempty"`
	BlockHash string `json:"block_hash,omitempty"`
}

// BlockSyncReply answers BlockSync.
type BlockSyncReply struct {
	Code           int             `json:"code"`
	BlockHeight    uint64          `json:"block_height"`
	MaxBlockHeight uint64          `json:"max_block_height"`
	BlockBytes     json.RawMessage `json:"block_bytes,omitempty"`
}

// Request parameter shapes. Each corresponds 1:1 to a Method* constant's
// argument list in spec §6.
type (
	GetStatusParams struct {
		Channel string `json:"channel"`
	}
	AddTxParams struct {
		Channel string          `json:"channel"`
		TxBytes json.RawMessage `json:"tx_bytes"`
	}
	GetTxParams struct {
		Channel string `json:"channel"`
		TxHash  string `json:"tx_hash"`
	}
	CreateTxParams struct {
		Channel  string          `json:"channel"`
		DataJSON json.RawMessage `json:"data_json"`
	}
	GetInvokeResultParams struct {
		Channel string `json:"channel"`
		TxHash  string `json:"tx_hash"`
	}
	GetBlockParams struct {
		Channel        string  `json:"channel"`
		BlockHash      string  `json:"block_hash,omitempty"`
		BlockHeight    *uint64 `json:"block_height,omitempty"`
		BlockFilterCSV string  `json:"block_filter_csv,omitempty"`
		TxFilterCSV    string  `json:"tx_filter_csv,omitempty"`
	}
	GetLastBlockHashParams struct {
		Channel string `json:"channel"`
	}
	QueryParams struct {
		Channel  string          `json:"channel"`
		DataJSON json.RawMessage `json:"data_json"`
	}
	AnnounceUnconfirmedBlockParams struct {
		Channel    string          `json:"channel"`
		BlockBytes json.RawMessage `json:"block_bytes"`
	}
	AnnounceConfirmedBlockParams struct {
		Channel    string          `json:"channel"`
		BlockHash  string          `json:"block_hash"`
		BlockBytes json.RawMessage `json:"block_bytes,omitempty"`
	}
	VoteUnconfirmedBlockParams struct {
		Channel   string `json:"channel"`
		BlockHash string `json:"block_hash"`
		PeerID    string `json:"peer_id"`
		GroupID   string `json:"group_id"`
		VoteCode  int    `json:"vote_code"`
		Message   string `json:"message,omitempty"`
	}
	BlockSyncParams struct {
		Channel string `json:"channel"`
		Height  uint64 `json:"height"`
	}
	AnnounceNewPeerParams struct {
		Channel    string          `json:"channel"`
		PeerBytes  json.RawMessage `json:"peer_bytes"`
		PeerTarget string          `json:"peer_target"`
	}
	AnnounceDeletePeerParams struct {
		PeerID  string `json:"peer_id"`
		GroupID string `json:"group_id"`
	}
	AnnounceNewLeaderParams struct {
		Channel            string `json:"channel"`
		ComplainedLeaderID string `json:"complained_leader_id"`
		NewLeaderID        string `json:"new_leader_id"`
		Message            string `json:"message,omitempty"`
	}
	ComplainLeaderParams struct {
		Channel            string `json:"channel"`
		ComplainedLeaderID string `json:"complained_leader_id"`
		NewLeaderID        string `json:"new_leader_id"`
		Message            string `json:"message,omitempty"`
	}
	SubscribeParams struct {
		Channel    string `json:"channel"`
		PeerTarget string `json:"peer_target"`
		PeerID     string `json:"peer_id"`
		GroupID    string `json:"group_id"`
		PeerType   string `json:"peer_type"`
	}
)
