package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentra-io/sentra/server/store"
	"github.com/sentra-io/sentra/wire"
)

// Server owns the listener, the stores and their persistence, and the set
// of live connections. Shutdown closes the listener, force-closes live
// connections after the drain grace period, and flushes the registries.
type Server struct {
	cfg     *Config
	ids     *store.IdentityStore
	domains *store.DomainStore
	persist *store.Persistence
	local   *store.LocalInfo
	audit   *store.AuditLog
	sender  CodeSender

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer loads the persisted registries and prepares the reference
// integrity record. Any registry that fails verification aborts startup.
func NewServer(cfg *Config, passphrase string, sender CodeSender) (*Server, error) {
	persist, err := store.NewPersistence(cfg.DataDir, passphrase)
	if err != nil {
		return nil, err
	}

	ids := store.NewIdentityStore()
	if err := persist.LoadUsers(ids); err != nil {
		return nil, fmt.Errorf("load user registry: %w", err)
	}
	domains := store.NewDomainStore()
	if err := persist.LoadDomains(domains); err != nil {
		return nil, fmt.Errorf("load domain registry: %w", err)
	}

	local := store.NewLocalInfo(cfg.LocalInfoPath, []byte(passphrase))
	if err := local.Prepare(); err != nil {
		return nil, fmt.Errorf("prepare reference record: %w", err)
	}

	audit, err := store.OpenAuditLog(cfg.AuditDBPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		ids:     ids,
		domains: domains,
		persist: persist,
		local:   local,
		audit:   audit,
		sender:  sender,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Run serves connections until the context is cancelled, then drains and
// flushes. Blocks for the server's whole lifetime.
func (s *Server) Run(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("load TLS keypair: %w", err)
	}
	listener, err := tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("Server listening")

	if s.cfg.FlushIntervalSeconds > 0 {
		s.wg.Add(1)
		go s.flushLoop(ctx, time.Duration(s.cfg.FlushIntervalSeconds)*time.Second)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.track(conn)
		s.wg.Add(1)
		go s.serve(ctx, conn)
	}

	return s.shutdown()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	sess := NewSession(wire.NewConn(conn), s.ids, s.domains, s.local, s.audit, s.sender)
	if err := sess.Run(ctx); err != nil {
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Session ended with error")
		return
	}
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Session closed")
}

// flushLoop persists the registries periodically so an unclean stop loses
// at most one interval of changes.
func (s *Server) flushLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Msg("Periodic flush failed")
			}
		}
	}
}

// Flush persists both registries.
func (s *Server) Flush() error {
	if err := s.persist.SaveUsers(s.ids); err != nil {
		return err
	}
	return s.persist.SaveDomains(s.domains)
}

// shutdown waits briefly for sessions to finish, force-closes stragglers,
// then flushes and closes the audit log.
func (s *Server) shutdown() error {
	log.Info().Msg("Draining connections")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	var errs []error
	if err := s.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := s.audit.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info().Msg("Registries flushed, shutdown complete")
	return nil
}
