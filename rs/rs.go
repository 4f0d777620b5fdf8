// Package rs implements the RadioStation: the channel directory service
// peers bootstrap against. Grounded on
// original_source/loopchain/radiostation/rs_outer_service.py and
// radiostation.py, reduced from a full gRPC service plus admin REPL to
// the membership RPC surface and the handful of admin calls spec §6
// names — a node needs a real directory to boot against, and admin
// operators need a way to push channel membership changes and restart a
// channel, but the RS admin terminal UI itself is out of scope (spec
// §1's Non-goals).
//
// Wire format mirrors rpc/frame.go's 4-byte big-endian length prefix plus
// JSON body; duplicated here rather than shared because RS's method set
// (channel directory, not consensus) has nothing in common with
// rpc.Handler's dispatch table.
package rs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const maxFrameBytes = 8 * 1024 * 1024
const readDeadline = 30 * time.Second

// Envelope is RS's request/response wire frame, structurally identical to
// rpc.Envelope but with its own Method constants.
type Envelope struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// Method names for the RS surface (spec §6).
const (
	MethodGetChannelInfos       = "GetChannelInfos"
	MethodConnectPeer           = "ConnectPeer"
	MethodGetPeerList           = "GetPeerList"
	MethodGetPeerStatus         = "GetPeerStatus"
	MethodGetRandomTable        = "GetRandomTable"
	MethodSendChannelManageInfo = "rs_send_channel_manage_info"
	MethodRestartChannel        = "rs_restart_channel"
)

func writeFrame(conn net.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rs: marshal envelope: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("rs: write frame header: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("rs: write frame body: %w", err)
	}
	return nil
}

func readFrame(conn net.Conn) (Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return Envelope{}, fmt.Errorf("rs: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return Envelope{}, fmt.Errorf("rs: frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return Envelope{}, fmt.Errorf("rs: read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("rs: unmarshal envelope: %w", err)
	}
	return env, nil
}

// PeerSeed is one channel member as published by RS to a booting node —
// enough to dial and subscribe, not the full peer.Entry reachability
// bookkeeping a running channel accumulates locally.
type PeerSeed struct {
	PeerID string `json:"peer_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// ChannelInfo is one channel's boot seed: its name and initial peer list.
type ChannelInfo struct {
	Name  string     `json:"name"`
	Peers []PeerSeed `json:"peers"`
}
