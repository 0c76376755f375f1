// Copyright (c) 2025 BVK Chaitanya

package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bvk/bidbot/market"
)

type fakeConn struct {
	mu            sync.Mutex
	subscriptions []string

	eventCh chan *market.Event

	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{eventCh: make(chan *market.Event)}
}

func (c *fakeConn) Subscribe(ctx context.Context, collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append(c.subscriptions, collection)
	return nil
}

func (c *fakeConn) ReadEvent(ctx context.Context) (*market.Event, error) {
	select {
	case ev, ok := <-c.eventCh:
		if !ok {
			return nil, errors.New("connection lost")
		}
		return ev, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) subs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscriptions...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	conns    []*fakeConn
	dialCh   chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, dialCh: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	d.dialCh <- conn
	return conn, nil
}

func testOptions() *Options {
	return &Options{
		ConnectTimeout:    time.Second,
		BackoffBase:       time.Millisecond,
		MaxAttempts:       4,
		Cooldown:          50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
}

func TestBackoffSchedule(t *testing.T) {
	opts := &Options{BackoffBase: time.Second}
	opts.setDefaults()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		if got := opts.backoff(attempt); got != w {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestConnectAndDeliver(t *testing.T) {
	dialer := newFakeDialer(0)
	s := New(testOptions(), dialer, []string{"punks", "meebits"})
	defer s.Close()

	events, stop := s.Events()
	defer stop()

	conn := <-dialer.dialCh
	if subs := conn.subs(); len(subs) != 2 {
		t.Fatalf("wanted 2 subscriptions, got %v", subs)
	}

	sent := &market.Event{
		Kind:       market.EventNewOffer,
		Collection: "punks",
		TokenID:    "punk-7",
		Price:      1000,
		Maker:      "rival",
		Timestamp:  time.Now(),
	}
	conn.eventCh <- sent

	select {
	case got := <-events:
		if got.TokenID != "punk-7" || got.Price != 1000 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("event was not delivered")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	dialer := newFakeDialer(2)
	s := New(testOptions(), dialer, []string{"punks"})
	defer s.Close()

	conn := <-dialer.dialCh

	// Kill the connection; the supervisor must dial a fresh one and re-issue
	// the subscription.
	close(conn.eventCh)

	var conn2 *fakeConn
	select {
	case conn2 = <-dialer.dialCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not reconnect")
	}
	if subs := conn2.subs(); len(subs) != 1 || subs[0] != "punks" {
		t.Fatalf("subscriptions must be re-issued on reconnect, got %v", subs)
	}
	if s.Reconnects() < 2 {
		t.Fatalf("wanted at least 2 dial attempts, got %d", s.Reconnects())
	}
}

func TestMalformedEventsDropped(t *testing.T) {
	dialer := newFakeDialer(0)
	s := New(testOptions(), dialer, []string{"punks"})
	defer s.Close()

	events, stop := s.Events()
	defer stop()

	conn := <-dialer.dialCh

	// Missing price and maker: must be rejected at the boundary.
	conn.eventCh <- &market.Event{
		Kind:       market.EventNewOffer,
		Collection: "punks",
		TokenID:    "punk-7",
		Timestamp:  time.Now(),
	}
	// A valid event must still flow after the bad one.
	conn.eventCh <- &market.Event{
		Kind:       market.EventCollectionOfferCancelled,
		Collection: "punks",
		Timestamp:  time.Now(),
	}

	select {
	case got := <-events:
		if got.Kind != market.EventCollectionOfferCancelled {
			t.Fatalf("malformed event must not be delivered, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("valid event was not delivered")
	}
	if s.Dropped() != 1 {
		t.Fatalf("wanted 1 dropped event, got %d", s.Dropped())
	}
}

func TestHeartbeatFailureForcesReconnect(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond

	dialer := newFakeDialer(0)
	s := New(opts, dialer, nil)
	defer s.Close()

	conn := <-dialer.dialCh
	conn.setPingErr(errors.New("broken pipe"))

	select {
	case <-dialer.dialCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat failure must force a reconnect")
	}
}
