package proxy

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/die-net/portmux/internal/auth"
	"github.com/die-net/portmux/internal/metrics"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server dispatches accepted connections to per-connection handlers.
type Server struct {
	cfg  Config
	log  EventLog
	gate auth.Gate
	pool *BufferPool
	sem  *semaphore.Weighted
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:  cfg,
		log:  cfg.Log,
		gate: cfg.Gate,
		pool: NewBufferPool(relayBufferSize),
	}
	if s.log == nil {
		s.log = discardLog{}
	}
	if s.gate == nil {
		s.gate = auth.Skip{}
	}
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConns)
	}
	return s
}

// Serve accepts connections from ln until ln is closed or ctx is done, then
// waits for in-flight handlers to return. Cancelling ctx closes every
// handled connection. Failed accepts are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}

			metrics.AcceptErrorsTotal.Inc()
			log.Printf("proxy: accept: %v", err)

			backoff = min(max(backoff*2, minAcceptBackoff), maxAcceptBackoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release()

			if err := s.handle(ctx, conn); err != nil && s.cfg.Verbose {
				log.Printf("proxy: %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}
