package rs

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client dials a RadioStation, one connection per call (the same
// call-budget tradeoff rpc.Client makes for channel peers: RS calls are
// boot-time/admin-time, never hot-path).
type Client struct {
	addr string
}

// NewClient returns a Client that dials addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) call(method string, params, result any) error {
	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("rs: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rs: marshal params: %w", err)
	}
	if err := writeFrame(conn, Envelope{Method: method, Params: paramsData}); err != nil {
		return err
	}
	env, err := readFrame(conn)
	if err != nil {
		return err
	}
	if env.Err != "" {
		return fmt.Errorf("rs: %s", env.Err)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(env.Result, result)
}

// GetChannelInfos returns every channel RS knows about, for a booting
// node's channel loop (spec §4.8's boot order).
func (c *Client) GetChannelInfos() ([]ChannelInfo, error) {
	var out []ChannelInfo
	err := c.call(MethodGetChannelInfos, struct{}{}, &out)
	return out, err
}

// ConnectPeer admits self onto channel and returns the resulting peer list.
func (c *Client) ConnectPeer(channel string, self PeerSeed) ([]PeerSeed, error) {
	var out []PeerSeed
	err := c.call(MethodConnectPeer, struct {
		Channel string   `json:"channel"`
		Peer    PeerSeed `json:"peer"`
	}{channel, self}, &out)
	return out, err
}

// GetPeerList returns channel's current membership.
func (c *Client) GetPeerList(channel string) ([]PeerSeed, error) {
	var out []PeerSeed
	err := c.call(MethodGetPeerList, struct {
		Channel string `json:"channel"`
	}{channel}, &out)
	return out, err
}

// GetPeerStatus looks up one peer's seed entry on channel.
func (c *Client) GetPeerStatus(channel, peerID string) (*PeerSeed, error) {
	var out PeerSeed
	err := c.call(MethodGetPeerStatus, struct {
		Channel string `json:"channel"`
		PeerID  string `json:"peer_id"`
	}{channel, peerID}, &out)
	return &out, err
}

// GetRandomTable requests count seed-derived peer identities for a
// controlled test network sharing seed.
func (c *Client) GetRandomTable(seed string, count int) ([]PeerSeed, error) {
	var out []PeerSeed
	err := c.call(MethodGetRandomTable, struct {
		Seed  string `json:"seed"`
		Count int    `json:"count"`
	}{seed, count}, &out)
	return out, err
}

// SendChannelManageInfo pushes a full channel/peer membership replacement
// to RS (admin operation).
func (c *Client) SendChannelManageInfo(channels []ChannelInfo) error {
	return c.call(MethodSendChannelManageInfo, struct {
		Channels []ChannelInfo `json:"channels"`
	}{channels}, nil)
}

// RestartChannel sends RS a restart request for channel; RS acknowledges it
// without storing it.
func (c *Client) RestartChannel(channel string) error {
	return c.call(MethodRestartChannel, struct {
		Channel string `json:"channel"`
	}{channel}, nil)
}
