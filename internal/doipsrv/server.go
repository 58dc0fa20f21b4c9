// Package doipsrv wires the wire and gateway packages into a running DoIP
// gateway process: a TCP listener for diagnostic sessions (C6) and a UDP
// socket for stateless discovery/status requests (C5), orchestrated by
// Server (C7) in the teacher's Addr/Listener/activeConn shape
// (eshenhu-doip/doip/server.go).
package doipsrv

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Alonso07/doip-server/internal/gateway"
)

// Server binds and serves one gateway configuration on host:port (TCP and
// UDP, same port, per ISO 13400-2's use of 13400 for both transports).
type Server struct {
	GW  *gateway.Gateway
	Log gateway.Logger

	// ShutdownTimeout bounds how long Shutdown waits for in-flight sessions
	// to close on their own before force-closing the listener's remaining
	// connections.
	ShutdownTimeout time.Duration

	// AnnounceOnStart, when true, broadcasts a Vehicle Announcement on the
	// UDP socket immediately after binding, per ISO 13400-2's power-up
	// announcement behaviour.
	AnnounceOnStart bool

	// NotifyStartedFunc, if set, is called once both sockets are bound and
	// before the accept loop starts, letting a caller (e.g. a test
	// harness) learn the actual listening address when GW.Port is 0.
	NotifyStartedFunc func(tcpAddr, udpAddr net.Addr)

	mu       sync.Mutex
	listener net.Listener
	udpConn  *net.UDPConn
	sessions map[net.Conn]struct{}
	closing  bool
}

// NewServer builds a Server for gw, ready for ListenAndServe.
func NewServer(gw *gateway.Gateway, log gateway.Logger) *Server {
	return &Server{
		GW:              gw,
		Log:             log,
		ShutdownTimeout: 5 * time.Second,
		sessions:        make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the TCP listener and UDP socket on GW.Host:GW.Port
// and blocks serving both until Shutdown is called or an unrecoverable
// listener error occurs.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.GW.Host, s.GW.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("doipsrv: tcp listen: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("doipsrv: resolve udp addr: %w", err)
	}
	uconn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("doipsrv: udp listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.udpConn = uconn
	s.mu.Unlock()

	s.Log.Infof("gateway %q listening on %s (tcp+udp)", s.GW.Name, addr)
	if s.NotifyStartedFunc != nil {
		s.NotifyStartedFunc(ln.Addr(), uconn.LocalAddr())
	}

	responder := newUDPResponder(uconn, s.GW, s.Log)
	responder.openSockets = s.sessionCount
	go responder.serve()

	if s.AnnounceOnStart {
		s.announce(responder)
	}

	return s.serveTCP(ln)
}

func (s *Server) serveTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("doipsrv: accept: %w", err)
		}

		if s.atCapacity() {
			s.Log.Warnf("rejecting connection from %s: at max_connections (%d)", conn.RemoteAddr(), s.GW.MaxConnections)
			conn.Close()
			continue
		}

		s.trackConn(conn)
		go func() {
			defer s.untrackConn(conn)
			newSession(conn, s.GW, s.Log).run()
		}()
	}
}

func (s *Server) atCapacity() bool {
	if s.GW.MaxConnections <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) >= s.GW.MaxConnections
}

func (s *Server) trackConn(c net.Conn) {
	s.mu.Lock()
	s.sessions[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.sessions, c)
	s.mu.Unlock()
}

// announce sends a Vehicle Announcement to the local broadcast address.
// Broadcast sockets are not permitted on every platform; a failure here is
// logged and never fatal to startup.
func (s *Server) announce(r *udpResponder) {
	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: int(s.GW.Port)}
	r.respondVehicleIdentification(bcast)
}

// Shutdown stops accepting new connections and waits up to
// s.ShutdownTimeout for in-flight sessions to close on their own, then
// force-closes whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	uconn := s.udpConn
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if uconn != nil {
		uconn.Close()
	}

	deadline := time.After(s.ShutdownTimeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.sessionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.forceCloseAll()
			return ctx.Err()
		case <-deadline:
			s.forceCloseAll()
			return nil
		case <-tick.C:
		}
	}
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sessions {
		c.Close()
	}
}
