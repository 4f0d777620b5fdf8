package score

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Server runs a standalone score service process: the external
// smart-contract executor spec §1 treats as an out-of-scope collaborator,
// stood up here as a thin TCP wrapper around a Client so the "score" CLI
// launcher (spec §6) has something real to start, and so a running
// channel's Query/confirmBlock path can be exercised against a process
// boundary instead of only an in-memory stand-in. Wire format mirrors
// rs.Envelope/rpc.Envelope's 4-byte length-prefixed JSON framing,
// duplicated for the same reason rs's framing is: this method set
// (Invoke/Query) has nothing in common with either dispatch table.
type Server struct {
	client  Client
	ln      net.Listener
	stopCh  chan struct{}
	log     *logrus.Entry
	channel string
}

type envelope struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}

type invokeParams struct {
	ScoreID      string          `json:"score_id"`
	ScoreVersion string          `json:"score_version"`
	Data         json.RawMessage `json:"data"`
}

// NewServer wraps client behind a TCP listener for the given channel/score
// package (logged for operator visibility; the wire protocol itself
// carries score_id/score_version per call).
func NewServer(channel string, client Client) *Server {
	return &Server{
		client:  client,
		channel: channel,
		stopCh:  make(chan struct{}),
		log:     logrus.WithFields(logrus.Fields{"component": "score", "channel": channel}),
	}
}

// Start binds addr and begins serving.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("score: listen %s: %w", addr, err)
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Addr reports the bound address (useful for ":0" in tests).
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

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
	req, err := readEnvelope(conn)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	var p invokeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = writeEnvelope(conn, envelope{Err: err.Error()})
		return
	}

	var result json.RawMessage
	switch req.Method {
	case "Invoke":
		result, err = s.client.Invoke(ctx, p.ScoreID, p.ScoreVersion, p.Data)
	case "Query":
		result, err = s.client.Query(ctx, p.ScoreID, p.ScoreVersion, p.Data)
	default:
		err = fmt.Errorf("score: unknown method %q", req.Method)
	}
	if err != nil {
		_ = writeEnvelope(conn, envelope{Err: err.Error()})
		return
	}
	_ = writeEnvelope(conn, envelope{Result: result})
}

func writeEnvelope(conn net.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func readEnvelope(conn net.Conn) (envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return envelope{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > 8*1024*1024 {
		return envelope{}, fmt.Errorf("score: frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return envelope{}, err
	}
	var env envelope
	err := json.Unmarshal(buf, &env)
	return env, err
}
