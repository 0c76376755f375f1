// Copyright (c) 2025 BVK Chaitanya

// Package httputil runs the daemon's HTTP endpoint: metrics, pid and status
// handlers on one TCP listener.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

type Options struct {
	ReadTimeout time.Duration

	WriteTimeout time.Duration

	ShutdownTimeout time.Duration
}

func (v *Options) setDefaults() {
	if v.ReadTimeout == 0 {
		v.ReadTimeout = 30 * time.Second
	}
	if v.WriteTimeout == 0 {
		v.WriteTimeout = 30 * time.Second
	}
	if v.ShutdownTimeout == 0 {
		v.ShutdownTimeout = 5 * time.Second
	}
}

// Server serves a fixed set of handlers on one TCP address.
type Server struct {
	opts Options

	mux *http.ServeMux

	mu  sync.Mutex
	svr *http.Server
	wg  sync.WaitGroup
}

func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	return &Server{
		opts: *opts,
		mux:  http.NewServeMux(),
	}
}

// AddHandler registers a handler. All handlers must be added before Start.
func (s *Server) AddHandler(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start begins serving on addr. The listener stays up until Close.
func (s *Server) Start(ctx context.Context, addr *net.TCPAddr) error {
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svr != nil {
		l.Close()
		return fmt.Errorf("server is already started")
	}
	s.svr = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.svr.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "addr", addr, "err", err)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	svr := s.svr
	s.mu.Unlock()
	if svr == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := svr.Shutdown(ctx)
	s.wg.Wait()
	return err
}
