// Package node composes everything one loopnode process runs: a shared
// Signer, the RadioStation client used to discover channels and seed
// membership, the inner/outer rpc.Server, and one channel.Runtime per
// channel this node participates in. Grounded on the teacher's
// cmd/node/main.go wiring order, generalized from "one chain" to
// "N channels, each independently composed" (spec §4.8).
package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/blockstore"
	"github.com/tolelom/loopnode/broadcast"
	"github.com/tolelom/loopnode/channel"
	"github.com/tolelom/loopnode/config"
	"github.com/tolelom/loopnode/consensus"
	"github.com/tolelom/loopnode/crypto"
	"github.com/tolelom/loopnode/errs"
	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
	"github.com/tolelom/loopnode/rs"
	"github.com/tolelom/loopnode/score"
)

// Service owns the set of channel.Runtimes a process runs, plus the
// shared infrastructure every channel is built from. It is the single
// rpc.Handler registered with the outer/inner Server: methods that name a
// channel are routed to that channel's Runtime (handler.go), and
// AnnounceDeletePeer (which names no channel) is handled here directly.
type Service struct {
	cfg       *config.Config
	signer    crypto.Signer
	rsc       *rs.Client
	server    *rpc.Server
	tlsConfig *tls.Config

	mu       sync.RWMutex
	channels map[string]*channel.Runtime

	log *logrus.Entry
}

var _ rpc.Handler = (*Service)(nil)

// New loads cfg's key material and constructs an empty Service; call Run
// to execute the full boot sequence.
func New(cfg *config.Config) (*Service, error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		signer:   signer,
		rsc:      rs.NewClient(cfg.RSAddr),
		channels: make(map[string]*channel.Runtime),
		log:      logrus.WithField("component", "node"),
	}
	s.server = rpc.NewServer(s)
	return s, nil
}

func loadSigner(cfg *config.Config) (crypto.Signer, error) {
	switch cfg.Key.Source {
	case "seed":
		return crypto.Load(crypto.KeyConfig{
			Kind:      crypto.KeySourceSeedDerived,
			Seed:      cfg.Key.Seed,
			SeedIndex: cfg.Key.SeedIndex,
			NodeID:    cfg.NodeID,
		})
	default:
		return crypto.Load(crypto.KeyConfig{
			Kind:        crypto.KeySourceFile,
			KeyFilePath: cfg.Key.KeyFilePath,
			Password:    os.Getenv("LOOPCHAIN_KEY_PASSWORD"),
			NodeID:      cfg.NodeID,
		})
	}
}

// Run executes the boot sequence (spec §4.8): start inner/outer RPC
// servers, fetch the channel directory from RS, then bring up each
// channel's Runtime in turn. It returns once every channel has started;
// the caller is expected to block on ctx afterward.
func (s *Service) Run(ctx context.Context) error {
	tlsConfig, err := config.LoadTLSConfig(s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("node: load tls config: %w", err)
	}
	s.tlsConfig = tlsConfig

	if tlsConfig != nil {
		if err := s.server.Start(s.cfg.OuterAddr, tlsConfig, s.cfg.InnerAddr); err != nil {
			return fmt.Errorf("node: start rpc servers: %w", err)
		}
	} else {
		if err := s.server.StartInner(s.cfg.InnerAddr); err != nil {
			return fmt.Errorf("node: start inner rpc server: %w", err)
		}
		s.log.Warn("no TLS configured: outer (inter-peer) listener is not running")
	}

	infos, err := s.rsc.GetChannelInfos()
	if err != nil {
		return fmt.Errorf("node: fetch channel infos from rs: %w", err)
	}
	for _, info := range infos {
		if err := s.bootChannel(ctx, info); err != nil {
			return fmt.Errorf("node: boot channel %s: %w", info.Name, err)
		}
	}
	return nil
}

// bootChannel runs the per-channel sequence: open BlockStore, load
// PeerManager, connect to RS, start BroadcastWorker, construct
// score.Client and BlockManager, elect leader, create Runtime, start it.
func (s *Service) bootChannel(ctx context.Context, info rs.ChannelInfo) error {
	store, err := blockstore.Open(filepath.Join(s.cfg.DataDir, info.Name))
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	pm := peer.NewManager(info.Name)
	if dump, derr := store.PeerManagerDump(); derr == nil {
		if loadErr := pm.Load(dump); loadErr != nil {
			s.log.WithError(loadErr).Warn("discarding corrupt peer manager dump, reseeding from rs")
		}
	}
	if pm.Count() == 0 {
		seedPeerManager(pm, info.Peers)
	}

	host, port := splitAddr(s.cfg.OuterAddr)
	self := &peer.Entry{PeerID: s.signer.PeerID(), Host: host, Port: port}
	pm.Add(self)

	seeded, err := s.rsc.ConnectPeer(info.Name, rs.PeerSeed{PeerID: self.PeerID, Host: self.Host, Port: self.Port})
	if err != nil {
		s.log.WithError(err).Warn("rs connect_peer failed, continuing with locally known peers")
	} else {
		seedPeerManager(pm, seeded)
	}

	dial := func(e *peer.Entry) (*rpc.Client, error) {
		return rpc.NewClient(e.Addr(), s.tlsConfig), nil
	}
	worker := broadcast.NewWorker(info.Name, pm, dial)

	scoreClient := newScoreClient(s.cfg.ScoreMode)

	algo := consensus.ForKind(consensus.AlgorithmKind(s.cfg.Algorithm), time.Duration(s.cfg.LFTVoteTimeoutMS)*time.Millisecond)
	if pm.Count() == 1 {
		algo = consensus.None()
	}

	mgr := consensus.New(info.Name, store, pm, s.signer, worker, scoreClient, algo, clock.New())

	var syncer *consensus.Syncer
	if pm.Count() > 1 {
		syncer = consensus.NewSyncer(info.Name, store, pm, s.signer.PeerID(), channel.NewSyncDialer(info.Name, s.tlsConfig))
		mgr.SetSyncer(syncer)
	}

	if err := electLeader(pm, s.signer.PeerID()); err != nil {
		return fmt.Errorf("elect leader: %w", err)
	}

	rt := channel.New(channel.Config{
		Name:    info.Name,
		Store:   store,
		Peers:   pm,
		Signer:  s.signer,
		Score:   scoreClient,
		Bcast:   worker,
		Manager: mgr,
		Syncer:  syncer,
	})

	s.mu.Lock()
	s.channels[info.Name] = rt
	s.mu.Unlock()

	rt.Start(ctx)
	s.log.WithFields(logrus.Fields{"channel": info.Name, "peers": pm.Count()}).Info("channel started")
	return nil
}

// RestartChannel tears down a channel's BlockManager and score client
// while keeping its BlockStore, then re-runs the channel boot sequence —
// spec §4.8's channel restart.
func (s *Service) RestartChannel(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.channels[name]
	if ok {
		delete(s.channels, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("node: restart unknown channel %q: %w", name, errs.ErrChannelUnknown)
	}
	rt.Stop()
	// Close (not clear) the store so bootChannel can reopen the same
	// directory; LevelDB holds an exclusive lock while it is open.
	rt.Store.Close()

	infos, err := s.rsc.GetChannelInfos()
	if err != nil {
		return fmt.Errorf("node: refresh channel infos: %w", err)
	}
	for _, info := range infos {
		if info.Name == name {
			return s.bootChannel(ctx, info)
		}
	}
	return fmt.Errorf("node: channel %q no longer known to rs: %w", name, errs.ErrChannelUnknown)
}

// Stop tears down every channel's Runtime and the RPC servers.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.channels {
		rt.Stop()
	}
	s.server.Stop()
}

func (s *Service) runtime(channelName string) (*channel.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.channels[channelName]
	if !ok {
		return nil, fmt.Errorf("node: %w: %s", errs.ErrChannelUnknown, channelName)
	}
	return rt, nil
}

func seedPeerManager(pm *peer.Manager, peers []rs.PeerSeed) {
	for _, p := range peers {
		pm.Add(&peer.Entry{PeerID: p.PeerID, Host: p.Host, Port: p.Port})
	}
}

func electLeader(pm *peer.Manager, selfID string) error {
	if _, err := pm.GetLeader(); err == nil {
		return nil
	}
	return pm.SetLeader(selfID)
}

func newScoreClient(mode string) score.Client {
	if mode == "echo" {
		return score.NewEchoClient()
	}
	return score.NullClient{}
}

// splitAddr turns a listener address ("0.0.0.0:7100") into the host/port
// pair other peers dial this node on. An unspecified host is impossible
// for other peers to dial; callers are expected to configure OuterAddr
// with a reachable host in any multi-host deployment.
func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
