// Copyright (c) 2025 BVK Chaitanya

// Package feed supervises the marketplace push channel. It owns the
// connect/reconnect state machine, the heartbeat and the re-subscription of
// collection interest on every (re)connect, and fans validated events out to
// subscribers over a topic.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bvk/bidbot/ctxutil"
	"github.com/bvk/bidbot/market"
	"github.com/bvkgo/topic"
)

// State names the supervisor's connection state.
type State string

const (
	Connecting State = "CONNECTING"
	Open       State = "OPEN"
	Closed     State = "CLOSED"
)

// Conn is one established push-channel connection.
type Conn interface {
	// Subscribe registers interest in a collection's events. Interest is not
	// preserved across reconnects by the far end, so the supervisor re-issues
	// every subscription on each new connection.
	Subscribe(ctx context.Context, collection string) error

	// ReadEvent blocks for the next raw event.
	ReadEvent(ctx context.Context) (*market.Event, error)

	// Ping sends a liveness probe.
	Ping(ctx context.Context) error

	Close() error
}

// Dialer establishes push-channel connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Supervisor keeps a push-channel connection alive indefinitely.
type Supervisor struct {
	cg ctxutil.CloseGroup

	opts Options

	dialer Dialer

	collections []string

	events *topic.Topic[*market.Event]

	mu    sync.Mutex
	state State

	reconnects atomic.Int64
	dropped    atomic.Int64
}

// New creates a supervisor and starts its connection loop.
func New(opts *Options, dialer Dialer, collections []string) *Supervisor {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()

	s := &Supervisor{
		opts:        *opts,
		dialer:      dialer,
		collections: collections,
		events:      topic.New[*market.Event](),
		state:       Connecting,
	}
	s.cg.Go(s.goRun)
	return s
}

// Close stops the supervisor and closes the event topic.
func (s *Supervisor) Close() {
	s.cg.Close()
	s.events.Close()
}

// Events returns a channel of validated events and a stop function.
func (s *Supervisor) Events() (<-chan *market.Event, func()) {
	sub, ch, _ := s.events.Subscribe(0, false /* includeRecent */)
	return ch, sub.Unsubscribe
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns the total number of (re)connection attempts that
// reached the dial stage.
func (s *Supervisor) Reconnects() int64 {
	return s.reconnects.Load()
}

// Dropped returns the count of malformed events rejected at the boundary.
func (s *Supervisor) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Supervisor) setState(v State) {
	s.mu.Lock()
	changed := s.state != v
	s.state = v
	s.mu.Unlock()
	if changed && s.opts.StateHook != nil {
		s.opts.StateHook(v)
	}
}

// goRun cycles through Connecting, Open and Closed forever. Backoff is
// exponential up to the attempt ceiling, then a long fixed cooldown resets
// the counter.
func (s *Supervisor) goRun(ctx context.Context) {
	attempt := 0
	for context.Cause(ctx) == nil {
		s.setState(Connecting)
		s.reconnects.Add(1)

		conn, err := s.connect(ctx)
		if err != nil {
			if context.Cause(ctx) != nil {
				return
			}
			if attempt++; attempt >= s.opts.MaxAttempts {
				slog.Warn("push channel attempt ceiling reached; entering cooldown",
					"attempts", attempt, "cooldown", s.opts.Cooldown)
				ctxutil.Sleep(ctx, s.opts.Cooldown)
				attempt = 0
				continue
			}
			d := s.opts.backoff(attempt - 1)
			slog.Warn("could not connect push channel", "attempt", attempt, "backoff", d, "error", err)
			ctxutil.Sleep(ctx, d)
			continue
		}

		s.setState(Open)
		attempt = 0
		slog.Info("push channel open", "collections", len(s.collections))

		s.serve(ctx, conn)

		s.setState(Closed)
		_ = conn.Close()
	}
}

// connect dials with a bounded timeout and re-issues every collection
// subscription.
func (s *Supervisor) connect(ctx context.Context) (Conn, error) {
	dctx, dcancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer dcancel()

	conn, err := s.dialer.Dial(dctx)
	if err != nil {
		return nil, err
	}
	for _, c := range s.collections {
		if err := conn.Subscribe(dctx, c); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// serve pumps events from the connection until a read or heartbeat failure.
func (s *Supervisor) serve(ctx context.Context, conn Conn) {
	sctx, scancel := context.WithCancelCause(ctx)
	defer scancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for context.Cause(sctx) == nil {
			ctxutil.Sleep(sctx, s.opts.HeartbeatInterval)
			if context.Cause(sctx) != nil {
				return
			}
			if err := conn.Ping(sctx); err != nil {
				// A failed heartbeat forces an immediate reconnect instead of
				// waiting for the transport to notice.
				slog.Warn("push channel heartbeat failed", "error", err)
				scancel(err)
				return
			}
		}
	}()

	for {
		ev, err := conn.ReadEvent(sctx)
		if err != nil {
			if context.Cause(sctx) == nil {
				slog.Warn("push channel read failed", "error", err)
			}
			scancel(err)
			break
		}
		if err := ev.Check(); err != nil {
			s.dropped.Add(1)
			slog.Warn("dropping malformed push event", "error", err)
			continue
		}
		s.events.SendCh() <- ev
	}
	wg.Wait()
}
