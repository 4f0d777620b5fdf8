package rs

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Server answers the RS wire methods over a plaintext loopback-or-LAN
// listener: RS is itself a trusted directory a deployment stands up once,
// not a channel peer, so it carries no TLS of its own (spec §1 scopes RS
// transport security out).
type Server struct {
	store       *Store
	defaultSeed string
	log         *logrus.Entry

	ln     net.Listener
	stopCh chan struct{}
}

// NewServer wraps store for serving.
func NewServer(store *Store) *Server {
	return &Server{store: store, log: logrus.WithField("component", "rs"), stopCh: make(chan struct{})}
}

// SetDefaultSeed fixes the seed GetRandomTable falls back to when a caller
// omits one, for a test network launched with a single fixed -s SEED.
func (s *Server) SetDefaultSeed(seed string) {
	s.defaultSeed = seed
}

// Start binds addr and begins serving in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Addr reports the bound address, useful when started on ":0" (tests).
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.WithError(err).Warn("accept error")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	env, err := readFrame(conn)
	if err != nil {
		s.log.WithError(err).Debug("read frame")
		return
	}
	resp := s.dispatch(env)
	if err := writeFrame(conn, resp); err != nil {
		s.log.WithError(err).Debug("write frame")
	}
}

func (s *Server) dispatch(env Envelope) Envelope {
	result, err := s.route(env.Method, env.Params)
	if err != nil {
		return Envelope{Err: err.Error()}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Envelope{Err: err.Error()}
	}
	return Envelope{Result: data}
}

func (s *Server) route(method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodGetChannelInfos:
		return s.store.ChannelInfos(), nil

	case MethodConnectPeer:
		var p struct {
			Channel string   `json:"channel"`
			Peer    PeerSeed `json:"peer"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.store.ConnectPeer(p.Channel, p.Peer)

	case MethodGetPeerList:
		var p struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.store.PeerList(p.Channel)

	case MethodGetPeerStatus:
		var p struct {
			Channel string `json:"channel"`
			PeerID  string `json:"peer_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		peers, err := s.store.PeerList(p.Channel)
		if err != nil {
			return nil, err
		}
		for _, pe := range peers {
			if pe.PeerID == p.PeerID {
				return pe, nil
			}
		}
		return nil, fmt.Errorf("rs: peer %q not found on channel %q", p.PeerID, p.Channel)

	case MethodGetRandomTable:
		var p struct {
			Seed  string `json:"seed"`
			Count int    `json:"count"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.Seed == "" {
			p.Seed = s.defaultSeed
		}
		return RandomTable(p.Seed, p.Count)

	case MethodSendChannelManageInfo:
		var p struct {
			Channels []ChannelInfo `json:"channels"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		s.store.SetChannelManageInfo(p.Channels)
		return struct{ OK bool }{true}, s.store.Save()

	case MethodRestartChannel:
		// RS acknowledges the request without storing it; node.Service is the
		// process that actually owns RestartChannel's teardown/reboot
		// sequence for its own channels (spec §4.8).
		var p struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return struct{ OK bool }{true}, nil

	default:
		return nil, fmt.Errorf("rs: unknown method %q", method)
	}
}
