// Package server is the thin connection-acceptance wrapper around the
// protocol engine: it owns the listening sockets, the registry of live and
// authenticated connections, server metrics, and the admin HTTP API. All
// chat semantics stay with the embedding application.
package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ircserve/ircserve/irc"
	"github.com/ircserve/ircserve/irc/config"
)

// Server accepts connections and hands each one to a protocol engine. It
// implements irc.Notifier to keep its registry current.
type Server struct {
	cfg  *config.Config
	opts irc.Options

	mu        sync.RWMutex
	conns     map[string]*irc.Conn
	authed    map[string]struct{}
	listeners []net.Listener
	onConnect []func(*irc.Conn)
	closed    bool

	shutdown chan struct{}
	started  time.Time
	metrics  *metrics
	admin    *adminAPI
}

// New builds a server from a loaded configuration.
func New(cfg *config.Config) (*Server, error) {
	opts := cfg.Options()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		opts:     opts,
		conns:    make(map[string]*irc.Conn),
		authed:   make(map[string]struct{}),
		shutdown: make(chan struct{}),
		started:  time.Now(),
		metrics:  newMetrics(),
	}
	s.admin = newAdminAPI(s)
	return s, nil
}

// OnConnect registers a hook run for every accepted connection before its
// first line is read, so hosts can attach event handlers in time.
func (s *Server) OnConnect(fn func(*irc.Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// Start binds every configured listener and, when enabled, the admin API.
func (s *Server) Start() error {
	for _, l := range s.cfg.Listeners {
		var err error
		if l.TLS {
			err = s.listenTLS(l)
		} else {
			err = s.Listen(l.Addr)
		}
		if err != nil {
			s.Stop()
			return err
		}
	}
	if s.cfg.Admin.Enabled {
		if err := s.admin.start(s.cfg.Admin.Addr); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

// Listen binds one plaintext listener. Multiple Listen/ListenTLS calls bind
// multiple host/port combinations to the same connection-handling core.
// Bind failures are returned synchronously to the caller.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.track(ln)
	log.Printf("IRC listener started on %s", ln.Addr())
	go s.acceptLoop(ln)
	return nil
}

// ListenTLS binds one TLS listener with the given key/certificate pair.
func (s *Server) ListenTLS(addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("server: load TLS certificate: %w", err)
	}
	return s.listenTLSConfig(addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (s *Server) listenTLS(l config.Listener) error {
	if l.Cert != "" && l.Key != "" {
		return s.ListenTLS(l.Addr, l.Cert, l.Key)
	}
	if !l.AutoGenerateCert {
		return fmt.Errorf("server: listener %s: TLS enabled without cert/key", l.Addr)
	}
	cert, err := generateSelfSignedCert(s.cfg.Server.Name, s.cfg.Server.Network, l.Addr)
	if err != nil {
		return fmt.Errorf("server: self-signed certificate: %w", err)
	}
	log.Printf("No TLS certificate configured for %s, using a self-signed one", l.Addr)
	return s.listenTLSConfig(l.Addr, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (s *Server) listenTLSConfig(addr string, tlsConfig *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("server: listen tls %s: %w", addr, err)
	}
	s.track(ln)
	log.Printf("TLS IRC listener started on %s", ln.Addr())
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) track(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

// ListenAddrs returns the bound addresses, in bind order.
func (s *Server) ListenAddrs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr().String())
	}
	return out
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Error accepting connection: %v", err)
				return
			}
		}

		conn, err := irc.NewConn(nc, s.opts, s)
		if err != nil {
			log.Printf("Rejecting connection from %s: %v", nc.RemoteAddr(), err)
			nc.Close()
			continue
		}
		go conn.Serve()
	}
}

// ConnAccepted implements irc.Notifier: it registers the connection, wires
// the metrics handlers, and runs the host's OnConnect hooks.
func (s *Server) ConnAccepted(c *irc.Conn) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	hooks := make([]func(*irc.Conn), len(s.onConnect))
	copy(hooks, s.onConnect)
	s.mu.Unlock()

	s.metrics.connAccepted()
	c.Handle(irc.EventRawLine, func(*irc.Event) { s.metrics.lineReceived() })
	c.Handle(irc.EventAuthTimeout, func(*irc.Event) { s.metrics.authTimeout() })

	for _, fn := range hooks {
		fn(c)
	}
}

// ConnAuthenticated implements irc.Notifier.
func (s *Server) ConnAuthenticated(c *irc.Conn) {
	s.mu.Lock()
	s.authed[c.ID()] = struct{}{}
	s.mu.Unlock()
	s.metrics.connAuthenticated()
}

// ConnClosed implements irc.Notifier.
func (s *Server) ConnClosed(c *irc.Conn) {
	s.mu.Lock()
	_, wasAuthed := s.authed[c.ID()]
	delete(s.authed, c.ID())
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.metrics.connClosed(wasAuthed)
}

// Connections snapshots the live connections, in no particular order.
func (s *Server) Connections() []*irc.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*irc.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// FindByNick returns the authenticated connection owning nick, or nil.
func (s *Server) FindByNick(nick string) *irc.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.authed {
		if c := s.conns[id]; c != nil && c.Nick() == nick {
			return c
		}
	}
	return nil
}

// Counts returns the number of live and authenticated connections.
func (s *Server) Counts() (live, authenticated int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns), len(s.authed)
}

// Stop closes every listener, force-ends live connections, and shuts down
// the admin API. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*irc.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range conns {
		c.SendError("Server shutting down")
		c.Close("Server shutting down")
	}
	if err := s.admin.stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
