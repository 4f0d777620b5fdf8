package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
)

// Client dials addr fresh for every Call: one connection per request,
// matching the "unary and one-shot streaming" framing spec §1 permits and
// sidestepping request-ID multiplexing entirely. A Client holds only its
// dial parameters (address, TLS config), not a live socket — Close is
// therefore a no-op, present only to satisfy peer.Stub.
type Client struct {
	addr      string
	tlsConfig *tls.Config // nil → plaintext (inner-loopback peers only)
}

// NewClient returns a Client that dials addr. Pass a non-nil tlsConfig for
// any outer (inter-peer) address.
func NewClient(addr string, tlsConfig *tls.Config) *Client {
	return &Client{addr: addr, tlsConfig: tlsConfig}
}

// Close satisfies peer.Stub; Client holds no persistent resource.
func (c *Client) Close() error { return nil }

// Call dials, sends method(params), and decodes the response into result.
// result must be a pointer, or nil to discard the response body.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var dialer net.Dialer
	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.addr, c.tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("rpc: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc: marshal params: %w", err)
	}
	if err := writeFrame(conn, Envelope{Method: method, Params: paramsData}); err != nil {
		return err
	}

	env, err := readFrame(conn)
	if err != nil {
		return err
	}
	if env.Err != nil {
		return env.Err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(env.Result, result)
}

// Convenience wrappers over Call for a subset of the spec §6 methods, typed
// so their callers never hand-marshal params themselves. Methods without a
// wrapper, and broadcast.Worker's fan-out, go through Call directly.

func (c *Client) GetStatus(ctx context.Context, channel string) (*StatusReply, error) {
	var reply StatusReply
	err := c.Call(ctx, MethodGetStatus, GetStatusParams{Channel: channel}, &reply)
	return &reply, err
}

func (c *Client) AddTx(ctx context.Context, channel string, txBytes json.RawMessage) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodAddTx, AddTxParams{Channel: channel, TxBytes: txBytes}, &reply)
	return &reply, err
}

func (c *Client) AnnounceUnconfirmedBlock(ctx context.Context, channel string, blockBytes json.RawMessage) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodAnnounceUnconfirmedBlock, AnnounceUnconfirmedBlockParams{Channel: channel, BlockBytes: blockBytes}, &reply)
	return &reply, err
}

func (c *Client) AnnounceConfirmedBlock(ctx context.Context, channel, blockHash string, blockBytes json.RawMessage) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodAnnounceConfirmedBlock, AnnounceConfirmedBlockParams{Channel: channel, BlockHash: blockHash, BlockBytes: blockBytes}, &reply)
	return &reply, err
}

func (c *Client) VoteUnconfirmedBlock(ctx context.Context, p VoteUnconfirmedBlockParams) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodVoteUnconfirmedBlock, p, &reply)
	return &reply, err
}

func (c *Client) BlockSync(ctx context.Context, channel string, height uint64) (*BlockSyncReply, error) {
	var reply BlockSyncReply
	err := c.Call(ctx, MethodBlockSync, BlockSyncParams{Channel: channel, Height: height}, &reply)
	return &reply, err
}

func (c *Client) AnnounceNewPeer(ctx context.Context, channel string, peerBytes json.RawMessage, peerTarget string) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodAnnounceNewPeer, AnnounceNewPeerParams{Channel: channel, PeerBytes: peerBytes, PeerTarget: peerTarget}, &reply)
	return &reply, err
}

func (c *Client) AnnounceDeletePeer(ctx context.Context, peerID, groupID string) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodAnnounceDeletePeer, AnnounceDeletePeerParams{PeerID: peerID, GroupID: groupID}, &reply)
	return &reply, err
}

func (c *Client) AnnounceNewLeader(ctx context.Context, p AnnounceNewLeaderParams) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodAnnounceNewLeader, p, &reply)
	return &reply, err
}

func (c *Client) ComplainLeader(ctx context.Context, p ComplainLeaderParams) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodComplainLeader, p, &reply)
	return &reply, err
}

func (c *Client) Subscribe(ctx context.Context, p SubscribeParams) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodSubscribe, p, &reply)
	return &reply, err
}

func (c *Client) UnSubscribe(ctx context.Context, p SubscribeParams) (*CommonReply, error) {
	var reply CommonReply
	err := c.Call(ctx, MethodUnSubscribe, p, &reply)
	return &reply, err
}
