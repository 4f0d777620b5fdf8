// Package peer tracks channel membership: who is on a channel, in what
// leader-rotation order, and how to reach them. Grounded on the teacher's
// network/peer.go connection identity, generalized with the
// membership/ordering semantics of a loopchain-style channel_manager (peer
// list blocks, leader complaint, leader rotation) instead of a flat
// best-effort peer set.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/errs"
)

// stubCacheSize and stubCacheTTL bound the outbound connection-stub cache:
// a channel with many peers shouldn't keep every RPC client alive forever,
// but an active leader's stub should survive a burst of Broadcast calls.
const (
	stubCacheSize = 256
	stubCacheTTL  = 10 * time.Minute
)

// Status is this node's last observed reachability for a peer.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusConnected   Status = "connected"
	StatusUnreachable Status = "unreachable"
)

// Entry is one channel member.
type Entry struct {
	PeerID      string    `json:"peer_id"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Cert        []byte    `json:"cert,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	Status      Status    `json:"status"`
	FailCount   int       `json:"fail_count"`
}

// Addr returns the dialable host:port for entry.
func (e *Entry) Addr() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Stub is an opaque outbound connection handle. peer.Manager only caches
// and evicts these; it never dials — Manager.GetStub's factory callback
// does, keeping this package free of a dependency on the rpc package
// that would otherwise need to import peer for addresses.
type Stub interface {
	Close() error
}

// StubFactory dials entry and returns a ready Stub.
type StubFactory func(entry *Entry) (Stub, error)

// Manager is the per-channel membership table: the ordered leader
// rotation, per-peer reachability, and a cache of live outbound stubs.
type Manager struct {
	mu    sync.RWMutex
	peers map[string]*Entry
	order []string // leader rotation order, append-only except on Remove
	idx   int       // index into order of the current leader

	stubs *lru.LRU[string, Stub]
	log   *logrus.Entry
}

// NewManager returns an empty Manager for the given channel, used only for
// log context.
func NewManager(channel string) *Manager {
	m := &Manager{
		peers: make(map[string]*Entry),
		log:   logrus.WithFields(logrus.Fields{"component": "peer", "channel": channel}),
	}
	m.stubs = lru.NewLRU[string, Stub](stubCacheSize, func(_ string, s Stub) {
		if s != nil {
			_ = s.Close()
		}
	}, stubCacheTTL)
	return m
}

// NewPeerID issues a fresh stable identity for a node joining a channel for
// the first time (persisted afterward via blockstore.Store.PutPeerID).
func NewPeerID() string { return uuid.NewString() }

// Add registers a peer, appending it to the leader rotation order if not
// already present. Re-adding an existing peer id updates its address/cert
// in place without disturbing rotation order.
func (m *Manager) Add(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.peers[e.PeerID]; !exists {
		m.order = append(m.order, e.PeerID)
	}
	if e.JoinedAt.IsZero() {
		e.JoinedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = StatusUnknown
	}
	m.peers[e.PeerID] = e
	m.log.WithField("peer_id", e.PeerID).Info("peer added")
}

// Remove drops a peer and its rotation slot. If the removed peer was the
// current leader, the leader index is left pointing at the next entry in
// rotation order (or reset to 0 if the table is now empty), so the caller
// still needs to call GetLeader/advance explicitly rather than relying on
// Remove to elect — membership change and leader election are deliberately
// separate operations.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peerID]; !ok {
		return
	}
	delete(m.peers, peerID)
	m.stubs.Remove(peerID)
	for i, id := range m.order {
		if id == peerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.idx > i {
				m.idx--
			} else if m.idx >= len(m.order) {
				m.idx = 0
			}
			break
		}
	}
	m.log.WithField("peer_id", peerID).Info("peer removed")
}

// Get returns the entry for peerID.
func (m *Manager) Get(peerID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.peers[peerID]
	return e, ok
}

// All returns a snapshot of every member, in rotation order.
func (m *Manager) All() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.peers[id])
	}
	return out
}

// Count returns the current membership size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// GetLeader returns the peer_id currently at the head of rotation.
func (m *Manager) GetLeader() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return "", errs.ErrLeaderUnknown
	}
	return m.order[m.idx%len(m.order)], nil
}

// GetNextLeader advances rotation to the next connected peer and returns
// it. Used on a leader complaint (§4.6) and on ordinary leader handoff at
// channel restart. A peer marked StatusUnreachable is skipped (§4.3); the
// scan is bounded to len(m.order) attempts so a channel where every peer
// is disconnected still terminates instead of spinning forever — in that
// case rotation falls through to whichever peer the scan last reached.
func (m *Manager) GetNextLeader() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return "", errs.ErrLeaderUnknown
	}
	var next string
	for attempts := 0; attempts < len(m.order); attempts++ {
		m.idx = (m.idx + 1) % len(m.order)
		next = m.order[m.idx]
		if e, ok := m.peers[next]; ok && e.Status == StatusUnreachable {
			continue
		}
		break
	}
	m.log.WithField("peer_id", next).Info("leader rotated")
	return next, nil
}

// SetLeader forces rotation to point at peerID directly, used when
// restoring leader state from a PeerList block rather than rotating live.
func (m *Manager) SetLeader(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.order {
		if id == peerID {
			m.idx = i
			return nil
		}
	}
	return fmt.Errorf("peer: set leader %s: %w", peerID, errs.ErrLeaderUnknown)
}

// Mark records the last-observed reachability of a peer and counts
// consecutive StatusUnreachable marks in FailCount. broadcast.Worker keeps
// its own per-subscriber failure count and calls Mark(…, StatusUnreachable)
// after tuning.BroadcastRetryTimes consecutive failed deliveries (spec
// §4.4); this package only tracks the count, it never acts on it.
func (m *Manager) Mark(peerID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peerID]
	if !ok {
		return
	}
	e.Status = status
	if status == StatusUnreachable {
		e.FailCount++
	} else {
		e.FailCount = 0
	}
}

// GetStub returns a cached Stub for peerID, dialing via factory on a cache
// miss. The result is cached under stubCacheTTL so a burst of broadcasts
// reuses one connection instead of dialing per message.
func (m *Manager) GetStub(peerID string, factory StubFactory) (Stub, error) {
	if s, ok := m.stubs.Get(peerID); ok {
		return s, nil
	}
	m.mu.RLock()
	entry, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peer: get stub %s: %w", peerID, errs.ErrNotFound)
	}
	stub, err := factory(entry)
	if err != nil {
		return nil, err
	}
	m.stubs.Add(peerID, stub)
	return stub, nil
}

// dump is the JSON-serializable snapshot persisted via blockstore.Store's
// peer_manager_key and replayed into a PeerList block body.
type dump struct {
	Peers []*Entry `json:"peers"`
	Order []string `json:"order"`
	Idx   int      `json:"idx"`
}

// Dump serializes membership + rotation state for persistence.
func (m *Manager) Dump() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := dump{Order: append([]string(nil), m.order...), Idx: m.idx}
	for _, id := range m.order {
		d.Peers = append(d.Peers, m.peers[id])
	}
	return json.Marshal(d)
}

// Load replaces membership + rotation state from a previously Dump'd
// snapshot (or a PeerList block's transaction payload).
func (m *Manager) Load(data []byte) error {
	var d dump
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("peer: load dump: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = make(map[string]*Entry, len(d.Peers))
	for _, e := range d.Peers {
		m.peers[e.PeerID] = e
	}
	m.order = d.Order
	m.idx = d.Idx
	return nil
}
