package rs

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/tolelom/loopnode/crypto"
)

// localIPToken is substituted for every occurrence of a peer's host field
// equal to it when a channel-manage file is loaded, so one file can be
// checked into version control and reused across every node in a test
// network (original_source's channel_manage_data.json convention).
const localIPToken = "[local_ip]"

// fileDoc is the on-disk shape of a channel-manage file.
type fileDoc struct {
	Channels []ChannelInfo `json:"channels"`
}

// Store holds the RS's view of channel membership, persisted to a single
// JSON file and mutated through ConnectPeer/admin RPCs.
type Store struct {
	mu       sync.RWMutex
	path     string
	channels map[string]*ChannelInfo
}

// LoadStore reads path (a channel_manage_data.json-style file), resolving
// every localIPToken host to this machine's outbound IP.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rs: read channel manage file: %w", err)
	}
	localIP, err := outboundIP()
	if err != nil {
		return nil, err
	}
	data = []byte(strings.ReplaceAll(string(data), localIPToken, localIP))

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rs: parse channel manage file: %w", err)
	}
	s := &Store{path: path, channels: make(map[string]*ChannelInfo, len(doc.Channels))}
	for i := range doc.Channels {
		ci := doc.Channels[i]
		s.channels[ci.Name] = &ci
	}
	return s, nil
}

// NewStore returns an empty Store not backed by any file, for tests and
// single-node dev networks that construct channel info programmatically.
func NewStore() *Store {
	return &Store{channels: make(map[string]*ChannelInfo)}
}

// Save persists the current channel set back to Store's file, if it has
// one (admin-pushed changes via rs_send_channel_manage_info).
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	doc := fileDoc{}
	for _, ci := range s.channels {
		doc.Channels = append(doc.Channels, *ci)
	}
	s.mu.RUnlock()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// ChannelInfos returns every known channel's boot seed.
func (s *Store) ChannelInfos() []ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for _, ci := range s.channels {
		out = append(out, *ci)
	}
	return out
}

// PeerList returns channel's current peer seeds.
func (s *Store) PeerList(channel string) ([]PeerSeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ci, ok := s.channels[channel]
	if !ok {
		return nil, fmt.Errorf("rs: unknown channel %q", channel)
	}
	return append([]PeerSeed(nil), ci.Peers...), nil
}

// ConnectPeer admits peer into channel (creating the channel entry if this
// is its first member) and returns the full resulting peer list so the
// caller can seed its local peer.Manager.
func (s *Store) ConnectPeer(channel string, peer PeerSeed) ([]PeerSeed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.channels[channel]
	if !ok {
		ci = &ChannelInfo{Name: channel}
		s.channels[channel] = ci
	}
	for _, p := range ci.Peers {
		if p.PeerID == peer.PeerID {
			return append([]PeerSeed(nil), ci.Peers...), nil
		}
	}
	ci.Peers = append(ci.Peers, peer)
	return append([]PeerSeed(nil), ci.Peers...), nil
}

// SetChannelManageInfo replaces the full channel set, used by the
// rs_send_channel_manage_info admin RPC.
func (s *Store) SetChannelManageInfo(channels []ChannelInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]*ChannelInfo, len(channels))
	for i := range channels {
		ci := channels[i]
		s.channels[ci.Name] = &ci
	}
}

// RandomTable derives n deterministic seed-derived key pairs for channel's
// controlled test network (spec's supplemented GetRandomTable feature,
// grounded on configure.py's test key derivation), returning each peer's
// derived peer_id (hex pubkey) in seed-index order (element i is index i).
func RandomTable(seed string, n int) ([]PeerSeed, error) {
	out := make([]PeerSeed, n)
	for i := 0; i < n; i++ {
		signer, err := crypto.Load(crypto.KeyConfig{
			Kind:      crypto.KeySourceSeedDerived,
			Seed:      seed,
			SeedIndex: i,
			NodeID:    fmt.Sprintf("seed-node-%d", i),
		})
		if err != nil {
			return nil, err
		}
		out[i] = PeerSeed{PeerID: signer.PeerID()}
	}
	return out, nil
}

// outboundIP returns the local address used to reach the network, the
// same trick the teacher's config uses to resolve "0.0.0.0"-style binds
// into an advertisable address.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", nil // no network: fall back to loopback for local dev
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
