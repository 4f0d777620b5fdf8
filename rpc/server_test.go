package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// stubHandler answers every Handler method with a fixed, easily asserted
// reply so tests exercise the transport, not channel/consensus logic.
type stubHandler struct{}

func (stubHandler) GetStatus(ctx context.Context, channel string) (*StatusReply, error) {
	return &StatusReply{BlockHeight: 7, TotalTx: 3}, nil
}
func (stubHandler) AddTx(ctx context.Context, channel string, txBytes json.RawMessage) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) GetTx(ctx context.Context, channel, txHash string) (*GetTxReply, error) {
	return &GetTxReply{Code: CodeOK, PublicKey: "pub"}, nil
}
func (stubHandler) CreateTx(ctx context.Context, channel string, dataJSON json.RawMessage) (*CreateTxReply, error) {
	return &CreateTxReply{Code: CodeOK, TxHash: "abc"}, nil
}
func (stubHandler) GetInvokeResult(ctx context.Context, channel, txHash string) (*GetInvokeResultReply, error) {
	return &GetInvokeResultReply{Code: CodeOK}, nil
}
func (stubHandler) GetBlock(ctx context.Context, p GetBlockParams) (*GetBlockReply, error) {
	return &GetBlockReply{Code: CodeOK, BlockHash: p.BlockHash}, nil
}
func (stubHandler) GetLastBlockHash(ctx context.Context, channel string) (*BlockReply, error) {
	return &BlockReply{Code: CodeOK, BlockHash: "last-hash"}, nil
}
func (stubHandler) Query(ctx context.Context, channel string, dataJSON json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
func (stubHandler) AnnounceUnconfirmedBlock(ctx context.Context, channel string, blockBytes json.RawMessage) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) AnnounceConfirmedBlock(ctx context.Context, channel, blockHash string, blockBytes json.RawMessage) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) VoteUnconfirmedBlock(ctx context.Context, p VoteUnconfirmedBlockParams) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) BlockSync(ctx context.Context, channel string, height uint64) (*BlockSyncReply, error) {
	return &BlockSyncReply{Code: CodeOK, BlockHeight: height, MaxBlockHeight: height + 5}, nil
}
func (stubHandler) AnnounceNewPeer(ctx context.Context, channel string, peerBytes json.RawMessage, peerTarget string) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) AnnounceDeletePeer(ctx context.Context, peerID, groupID string) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) AnnounceNewLeader(ctx context.Context, p AnnounceNewLeaderParams) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) ComplainLeader(ctx context.Context, p ComplainLeaderParams) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) Subscribe(ctx context.Context, p SubscribeParams) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}
func (stubHandler) UnSubscribe(ctx context.Context, p SubscribeParams) (*CommonReply, error) {
	return &CommonReply{Code: CodeOK}, nil
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(stubHandler{})
	if err := srv.StartInner("127.0.0.1:0"); err != nil {
		t.Fatalf("StartInner: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestClientServerRoundTrip(t *testing.T) {
	srv := startTestServer(t)
	client := NewClient(srv.InnerAddr().String(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := client.GetStatus(ctx, "test-channel")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.BlockHeight != 7 || status.TotalTx != 3 {
		t.Errorf("GetStatus reply: got %+v", status)
	}

	sync, err := client.BlockSync(ctx, "test-channel", 10)
	if err != nil {
		t.Fatalf("BlockSync: %v", err)
	}
	if sync.BlockHeight != 10 || sync.MaxBlockHeight != 15 {
		t.Errorf("BlockSync reply: got %+v", sync)
	}
}

func TestClientServerUnknownMethodErrors(t *testing.T) {
	srv := startTestServer(t)
	client := NewClient(srv.InnerAddr().String(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Call(ctx, "NotAMethod", struct{}{}, nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}
