package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Server runs two independent listeners against one Handler: Outer (mTLS,
// bound to the public interface, every inter-peer method in spec §6) and
// Inner (plaintext, loopback-only, same-host CLI/admin traffic). Adapted
// from the teacher's network/node.go accept loop, generalized from one
// listener and a fixed max-peers cap to the outer/inner split loopchain
// itself uses.
type Server struct {
	handler Handler
	log     *logrus.Entry

	outerLn net.Listener
	innerLn net.Listener
	stopCh  chan struct{}
}

// NewServer constructs a Server that will dispatch every accepted
// connection's single request to handler.
func NewServer(handler Handler) *Server {
	return &Server{
		handler: handler,
		log:     logrus.WithField("component", "rpc"),
		stopCh:  make(chan struct{}),
	}
}

// Start binds both listeners synchronously (so callers learn immediately
// if a port is unavailable) and begins serving in background goroutines.
// tlsConfig is required for outerAddr; innerAddr must be a loopback
// address (127.0.0.1:*) — Start returns an error otherwise, since the
// inner listener intentionally carries no authentication of its own.
func (s *Server) Start(outerAddr string, tlsConfig *tls.Config, innerAddr string) error {
	if host, _, err := net.SplitHostPort(innerAddr); err != nil {
		return err
	} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return &net.AddrError{Err: "inner listener address is not loopback", Addr: innerAddr}
	}
	outerLn, err := tls.Listen("tcp", outerAddr, tlsConfig)
	if err != nil {
		return err
	}
	s.outerLn = outerLn

	innerLn, err := net.Listen("tcp", innerAddr)
	if err != nil {
		outerLn.Close()
		return err
	}
	s.innerLn = innerLn

	go s.acceptLoop(outerLn, "outer")
	go s.acceptLoop(innerLn, "inner")
	return nil
}

// StartInner binds only the loopback admin listener, for deployments (and
// tests) that have no mTLS identity yet to run the outer listener with —
// the CLI's "tool" subcommand talks to a running node this way.
func (s *Server) StartInner(innerAddr string) error {
	innerLn, err := net.Listen("tcp", innerAddr)
	if err != nil {
		return err
	}
	s.innerLn = innerLn
	go s.acceptLoop(innerLn, "inner")
	return nil
}

// OuterAddr and InnerAddr report the bound addresses, useful when started
// on ":0" (tests).
func (s *Server) OuterAddr() net.Addr {
	if s.outerLn != nil {
		return s.outerLn.Addr()
	}
	return nil
}

func (s *Server) InnerAddr() net.Addr {
	if s.innerLn != nil {
		return s.innerLn.Addr()
	}
	return nil
}

// Stop closes both listeners. In-flight connections are allowed to finish
// their single request/response before goroutines observe stopCh and exit.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.outerLn != nil {
		s.outerLn.Close()
	}
	if s.innerLn != nil {
		s.innerLn.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener, name string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.WithError(err).WithField("listener", name).Warn("accept error")
				time.Sleep(100 * time.Millisecond)
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
	ctx, cancel := context.WithTimeout(context.Background(), methodTimeout(env.Method))
	defer cancel()
	resp := dispatch(ctx, s.handler, env)
	if err := writeFrame(conn, resp); err != nil {
		s.log.WithError(err).Debug("write frame")
	}
}

// methodTimeout implements spec §6's per-method call budgets: 6 s for the
// hot consensus path, 30 s for everything else.
func methodTimeout(method string) time.Duration {
	switch method {
	case MethodAnnounceUnconfirmedBlock, MethodAnnounceConfirmedBlock, MethodVoteUnconfirmedBlock:
		return 6 * time.Second
	default:
		return 30 * time.Second
	}
}
