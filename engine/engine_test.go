// Copyright (c) 2025 BVK Chaitanya

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bvk/bidbot/config"
	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/locker"
	"github.com/bvk/bidbot/market"
	"github.com/bvk/bidbot/pacer"
	"github.com/bvk/bidbot/state"
	"github.com/bvk/bidbot/wallet"
)

type fakeMarket struct {
	mu sync.Mutex

	collection *market.Collection

	tokens []*market.Token

	// bestOffers maps token id to the current best offer.
	bestOffers map[string]*market.Offer

	bestCollectionOffer *market.Offer

	myOffers map[string][]*market.Offer

	balances map[string]int64

	// createErrs is consumed one per CreateOffer call.
	createErrs []error

	// cancelErr fails every CancelOffer call when set.
	cancelErr error

	created   []*market.OfferRequest
	submitted []*market.SignedOffer
	cancelled []market.OfferID

	nextID int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		bestOffers: make(map[string]*market.Offer),
		myOffers:   make(map[string][]*market.Offer),
		balances:   make(map[string]int64),
	}
}

func (f *fakeMarket) GetCollection(ctx context.Context, symbol string) (*market.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collection == nil {
		return nil, market.NewError(market.KindStaleListing, 404, "no such collection")
	}
	return f.collection, nil
}

func (f *fakeMarket) ListTokens(ctx context.Context, symbol string, count int, filter map[string]string) ([]*market.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count > len(f.tokens) {
		count = len(f.tokens)
	}
	return f.tokens[:count], nil
}

func (f *fakeMarket) GetBestOffer(ctx context.Context, tokenID string) (*market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bestOffers[tokenID], nil
}

func (f *fakeMarket) GetOffers(ctx context.Context, tokenID, maker string) ([]*market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*market.Offer
	if o := f.bestOffers[tokenID]; o != nil && o.Maker == maker {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeMarket) GetMyOffers(ctx context.Context, maker string) ([]*market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.myOffers[maker], nil
}

func (f *fakeMarket) GetBestCollectionOffer(ctx context.Context, symbol string) (*market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bestCollectionOffer, nil
}

func (f *fakeMarket) GetBalance(ctx context.Context, address string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

func (f *fakeMarket) CreateOffer(ctx context.Context, req *market.OfferRequest) (*market.UnsignedOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.created = append(f.created, req)
	return &market.UnsignedOffer{Request: req, Payload: "payload"}, nil
}

func (f *fakeMarket) SubmitSignedOffer(ctx context.Context, signed *market.SignedOffer) (*market.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, signed)
	f.nextID++
	return &market.Offer{
		OfferID:    market.OfferID(fmt.Sprintf("offer-%d", f.nextID)),
		Collection: signed.Request.Collection,
		TokenID:    signed.Request.TokenID,
		Price:      signed.Request.Price,
		Maker:      signed.Request.MakerAddress,
		Expiration: time.Now().Add(signed.Request.Duration),
		Quantity:   signed.Request.Quantity,
	}, nil
}

func (f *fakeMarket) CancelOffer(ctx context.Context, id market.OfferID, maker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeMarket) CancelCollectionOffer(ctx context.Context, id market.OfferID, maker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeMarket) numSubmitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeMarket) lastSubmitted() *market.SignedOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

type fakeSigner struct{}

func (fakeSigner) SignOffer(ctx context.Context, unsigned *market.UnsignedOffer, walletAddress string) (*market.SignedOffer, error) {
	return &market.SignedOffer{Request: unsigned.Request, Payload: "signed:" + unsigned.Payload}, nil
}

func testCollection() *config.Collection {
	return &config.Collection{
		Symbol:         "punks",
		Mode:           "token",
		MinBid:         decimal.NewFromFloat(0.001),
		MaxBid:         decimal.NewFromFloat(1.0),
		MinFloorPct:    50,
		MaxFloorPct:    80,
		CandidateCount: 5,
		OfferDuration:  time.Hour,
		OutbidMargin:   1000,
		QuantityCap:    10,
		WalletGroup:    "main",
		PollInterval:   time.Minute,
		BidCooldown:    time.Millisecond,
	}
}

func testEngine(t *testing.T, mkt *fakeMarket, cfg *config.Collection) *Engine {
	t.Helper()

	store, err := state.Open(&state.Options{Path: filepath.Join(t.TempDir(), "state.gob")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	groups, err := wallet.NewGroups(&wallet.Options{Window: time.Minute, WaitTimeout: 50 * time.Millisecond},
		map[string][]*wallet.Wallet{
			"main": {
				{Name: "w1", Address: "bc1qw1", PaymentAddress: "bc1qp1", BidsPerWindow: 100},
				{Name: "w2", Address: "bc1qw2", PaymentAddress: "bc1qp2", BidsPerWindow: 100},
			},
		})
	if err != nil {
		t.Fatal(err)
	}

	locks := locker.New(&locker.Options{WaiterTimeout: 100 * time.Millisecond})
	t.Cleanup(locks.Close)

	pc := pacer.New(&pacer.Options{Window: time.Minute, Limit: 200, WaitTimeout: 100 * time.Millisecond})

	eng, err := New(&Options{FetchRate: 10000, FetchBurst: 10000, TransientRetryInterval: time.Millisecond},
		&Collaborators{
			Marketplace: mkt,
			Signer:      fakeSigner{},
			Store:       store,
			Wallets:     groups,
			Pacer:       pc,
			Locks:       locks,
		},
		[]*config.Collection{cfg})
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestEnvelope(t *testing.T) {
	env := newEnvelope(100_000, 100_000_000, 100_000_000, 50, 80)
	if env.min != 50_000_000 {
		t.Fatalf("min: got %d, want 50000000", env.min)
	}
	if env.max != 80_000_000 {
		t.Fatalf("max: got %d, want 80000000", env.max)
	}
	if !env.valid() {
		t.Fatalf("envelope should be valid")
	}

	// An absolute max below the floor-relative min empties the band.
	env = newEnvelope(100_000, 1_000_000, 100_000_000, 50, 80)
	if env.valid() {
		t.Fatalf("envelope %d..%d should be empty", env.min, env.max)
	}
}

func TestDecideToken(t *testing.T) {
	env := envelope{min: 100_000, max: 1_000_500}
	margin := int64(1000)

	// No competitor: half the listed price, raised to the band minimum.
	d := decideToken(&decideInput{listed: 10_000_000 / 50, env: env, margin: margin})
	if !d.place || d.price != env.min {
		t.Fatalf("got %+v, want place at %d", d, env.min)
	}
	d = decideToken(&decideInput{listed: 1_000_000, env: env, margin: margin})
	if !d.place || d.price != 500_000 {
		t.Fatalf("got %+v, want place at 500000", d)
	}

	// Competitor at 1,000,000: outbid to 1,001,000 exceeds the 1,000,500
	// ceiling and must be a too-high outcome.
	comp := &market.Offer{OfferID: "o1", Price: 1_000_000, Maker: "rival"}
	d = decideToken(&decideInput{best: comp, env: env, margin: margin})
	if d.place || d.outcome != outcomeTooHigh {
		t.Fatalf("got %+v, want too-high", d)
	}

	// Same competitor under a higher ceiling places at competitor+margin.
	wide := envelope{min: 100_000, max: 2_000_000}
	d = decideToken(&decideInput{best: comp, env: wide, margin: margin})
	if !d.place || d.price != 1_001_000 {
		t.Fatalf("got %+v, want place at 1001000", d)
	}

	// We lead with a known second-best far below: ratchet down.
	ours := &gobs.TrackedBid{Price: 1_001_000, OfferID: "mine", WalletAddress: "bc1qw1"}
	mine := &market.Offer{OfferID: "mine", Price: 1_001_000, Maker: "bc1qw1"}
	d = decideToken(&decideInput{best: mine, bestIsOurs: true, ours: ours, secondBest: 500_000, env: wide, margin: margin})
	if !d.place || !d.cancel || d.price != 501_000 || d.outcome != outcomeRatcheted {
		t.Fatalf("got %+v, want ratchet to 501000", d)
	}

	// Gap within margin: hold.
	d = decideToken(&decideInput{best: mine, bestIsOurs: true, ours: ours, secondBest: 1_000_500, env: wide, margin: margin})
	if d.place || d.outcome != outcomeAlreadyOurs {
		t.Fatalf("got %+v, want already-ours", d)
	}

	// Leading alone: normalize to the band minimum.
	d = decideToken(&decideInput{best: mine, bestIsOurs: true, ours: ours, env: wide, margin: margin})
	if !d.place || d.price != wide.min || d.outcome != outcomeRatcheted {
		t.Fatalf("got %+v, want normalize to %d", d, wide.min)
	}
}

func TestDecideCollectionFloorGuard(t *testing.T) {
	env := envelope{min: 40_000_000, max: 80_000_000}

	// Competitor near the floor: competitor+margin crosses it.
	best := &market.Offer{OfferID: "o1", Price: 49_999_500, Maker: "rival"}
	d := decideCollection(best, false, nil, 0, env, 1000, 50_000_000)
	if d.place || d.outcome != outcomeTooHigh {
		t.Fatalf("got %+v, want too-high at the floor", d)
	}

	// Exactly at floor is rejected too.
	best.Price = 49_999_000
	d = decideCollection(best, false, nil, 0, env, 1000, 50_000_000)
	if d.place || d.outcome != outcomeTooHigh {
		t.Fatalf("got %+v, want too-high at exact floor", d)
	}

	// Below floor goes through.
	best.Price = 49_000_000
	d = decideCollection(best, false, nil, 0, env, 1000, 50_000_000)
	if !d.place || d.price != 49_001_000 {
		t.Fatalf("got %+v, want place at 49001000", d)
	}
}

func TestPollPlacesBids(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.tokens = []*market.Token{
		{TokenID: "t1", Collection: "punks", ListedPrice: 110_000_000},
		{TokenID: "t2", Collection: "punks", ListedPrice: 120_000_000},
	}

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	r := eng.runners["punks"]
	r.poll(ctx)

	// Half of listed is within [50M, 80M] for both tokens.
	if got := mkt.numSubmitted(); got != 2 {
		t.Fatalf("submitted: got %d, want 2", got)
	}
	if _, ok := eng.store.Bid("punks", "t1"); !ok {
		t.Fatalf("no tracked bid for t1")
	}

	// Second cycle with an unchanged market holds every position.
	time.Sleep(2 * time.Millisecond)
	for _, tok := range mkt.tokens {
		mkt.bestOffers[tok.TokenID] = &market.Offer{
			OfferID: "mine", Price: 55_000_000, Maker: "bc1qw1",
		}
	}
	eng.store.SetBid("punks", "t1", &gobs.TrackedBid{Price: 55_000_000, OfferID: "mine", WalletAddress: "bc1qw1", PlacedAt: time.Now().Add(-time.Second)})
	eng.store.SetBid("punks", "t2", &gobs.TrackedBid{Price: 55_000_000, OfferID: "mine", WalletAddress: "bc1qw1", PlacedAt: time.Now().Add(-time.Second)})

	before := mkt.numSubmitted()
	r.poll(ctx)
	// Leading alone normalizes down to the band minimum once.
	if got := mkt.numSubmitted(); got != before+2 {
		t.Fatalf("submitted: got %d, want %d", got, before+2)
	}
	if s := mkt.lastSubmitted(); s.Request.Price != 50_000_000 {
		t.Fatalf("normalized price: got %d, want 50000000", s.Request.Price)
	}
}

func TestOutbidTooHighSkipsPlacement(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.tokens = []*market.Token{{TokenID: "t1", Collection: "punks", ListedPrice: 110_000_000}}
	// Competitor already at the band maximum.
	mkt.bestOffers["t1"] = &market.Offer{OfferID: "o9", Price: 80_000_000, Maker: "rival"}

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	r := eng.runners["punks"]
	r.poll(ctx)

	if got := mkt.numSubmitted(); got != 0 {
		t.Fatalf("submitted: got %d, want 0", got)
	}
}

func TestDuplicateOfferCancelAndRetry(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.tokens = []*market.Token{{TokenID: "t1", Collection: "punks", ListedPrice: 110_000_000}}
	mkt.bestOffers["t1"] = &market.Offer{OfferID: "stale", Price: 51_000_000, Maker: "bc1qw1"}
	mkt.createErrs = []error{market.NewError(market.KindDuplicateOffer, 409, "duplicate offer")}

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	r := eng.runners["punks"]
	out := r.placeToken(ctx, "t1", decision{outcome: outcomePlaced, place: true, price: 52_000_000}, nil)

	if out != outcomePlaced {
		t.Fatalf("outcome: got %q, want %q", out, outcomePlaced)
	}
	mkt.mu.Lock()
	defer mkt.mu.Unlock()
	if len(mkt.cancelled) != 1 || mkt.cancelled[0] != "stale" {
		t.Fatalf("cancelled: got %v, want [stale]", mkt.cancelled)
	}
	if len(mkt.submitted) != 1 {
		t.Fatalf("submitted: got %d, want 1", len(mkt.submitted))
	}
}

func TestFailedPlacementRefundsPacerSlot(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.createErrs = []error{market.NewError(market.KindStaleListing, 404, "listing gone")}

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()
	eng.pacer = pacer.New(&pacer.Options{Window: time.Minute, Limit: 1, WaitTimeout: 10 * time.Millisecond})

	r := eng.runners["punks"]
	if out := r.placeToken(ctx, "t1", decision{outcome: outcomePlaced, place: true, price: 52_000_000}, nil); out != outcomeFailed {
		t.Fatalf("outcome: got %q, want %q", out, outcomeFailed)
	}

	// The failed attempt must not consume the only window slot.
	if out := r.placeToken(ctx, "t2", decision{outcome: outcomePlaced, place: true, price: 52_000_000}, nil); out != outcomePlaced {
		t.Fatalf("outcome: got %q, want %q", out, outcomePlaced)
	}
	if got := mkt.numSubmitted(); got != 1 {
		t.Fatalf("submitted: got %d, want 1", got)
	}
}

func TestCancelFailureAbortsPlacement(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.tokens = []*market.Token{{TokenID: "t1", Collection: "punks", ListedPrice: 110_000_000}}
	mkt.cancelErr = market.NewError(market.KindTransient, 503, "backend unavailable")

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	ours := &gobs.TrackedBid{OfferID: "live", Price: 52_000_000, WalletAddress: "bc1qw1"}
	r := eng.runners["punks"]
	out := r.placeToken(ctx, "t1", decision{outcome: outcomePlaced, place: true, cancel: true, price: 53_000_000}, ours)

	// A live prior offer that cannot be cancelled must not be doubled up.
	if out != outcomeFailed {
		t.Fatalf("outcome: got %q, want %q", out, outcomeFailed)
	}
	if got := mkt.numSubmitted(); got != 0 {
		t.Fatalf("submitted: got %d, want 0", got)
	}
}

func TestRateLimitErrorPausesPacer(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.tokens = []*market.Token{{TokenID: "t1", Collection: "punks", ListedPrice: 110_000_000}}
	mkt.createErrs = []error{market.NewError(market.KindRateLimited, 429, "too many requests, retry in 2 minutes")}

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	r := eng.runners["punks"]
	out := r.placeToken(ctx, "t1", decision{outcome: outcomePlaced, place: true, price: 52_000_000}, nil)
	if out != outcomeFailed {
		t.Fatalf("outcome: got %q, want %q", out, outcomeFailed)
	}

	until := eng.pacer.PausedUntil()
	want := time.Now().Add(2 * time.Minute)
	if until.Before(want.Add(-10*time.Second)) || until.After(want.Add(10*time.Second)) {
		t.Fatalf("paused until %v, want about %v", until, want)
	}
}

func TestFillDedup(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}

	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	at := time.Now()
	ev := &market.Event{
		Kind:       market.EventBuyConfirmed,
		Collection: "punks",
		TokenID:    "t1",
		Price:      55_000_000,
		Timestamp:  at,
	}
	eng.handleFill(ctx, ev)
	// Redelivery of the identical event must not double-count.
	eng.handleFill(ctx, ev)

	if got := eng.store.Quantity("punks"); got != 1 {
		t.Fatalf("quantity: got %d, want 1", got)
	}

	// A later fill with a new timestamp counts.
	later := *ev
	later.Timestamp = at.Add(time.Second)
	eng.handleFill(ctx, &later)
	if got := eng.store.Quantity("punks"); got != 2 {
		t.Fatalf("quantity: got %d, want 2", got)
	}
}

func TestQueueEvictsOldest(t *testing.T) {
	mkt := newFakeMarket()
	cfg := testCollection()
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	// Shrink the queue for the test.
	eng.queue = make(chan *market.Event, 2)

	mk := func(i int) *market.Event {
		return &market.Event{
			Kind:       market.EventNewOffer,
			Collection: "punks",
			TokenID:    fmt.Sprintf("t%d", i),
			Price:      1000,
			Maker:      "rival",
			Timestamp:  time.Now(),
		}
	}
	for i := 0; i < 5; i++ {
		eng.enqueue(mk(i))
	}

	if got := eng.Evicted(); got != 3 {
		t.Fatalf("evicted: got %d, want 3", got)
	}
	// The survivors are the newest two, in FIFO order.
	first := <-eng.queue
	second := <-eng.queue
	if first.TokenID != "t3" || second.TokenID != "t4" {
		t.Fatalf("queue order: got %s, %s, want t3, t4", first.TokenID, second.TokenID)
	}
}

func TestQuantityCapStopsBidding(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}
	mkt.tokens = []*market.Token{{TokenID: "t1", Collection: "punks", ListedPrice: 110_000_000}}

	cfg := testCollection()
	cfg.QuantityCap = 1
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	eng.store.AddQuantity("punks", 1)

	r := eng.runners["punks"]
	r.poll(ctx)
	if got := mkt.numSubmitted(); got != 0 {
		t.Fatalf("submitted: got %d, want 0", got)
	}
}

func TestCollectionModeBalanceCheck(t *testing.T) {
	ctx := context.Background()

	mkt := newFakeMarket()
	mkt.collection = &market.Collection{Symbol: "punks", FloorPrice: 100_000_000}

	cfg := testCollection()
	cfg.Mode = "collection"
	cfg.QuantityCap = 2
	eng := testEngine(t, mkt, cfg)
	defer eng.Close()

	r := eng.runners["punks"]

	// No balance on any payment address: placement must fail.
	env := envelope{min: 50_000_000, max: 80_000_000}
	out := r.evaluateCollection(ctx, env, 100_000_000, 0)
	if out != outcomeFailed {
		t.Fatalf("outcome: got %q, want %q", out, outcomeFailed)
	}
	if got := mkt.numSubmitted(); got != 0 {
		t.Fatalf("submitted: got %d, want 0", got)
	}

	// With funds the offer goes out for the remaining quantity.
	mkt.mu.Lock()
	mkt.balances["bc1qp1"] = 200_000_000
	mkt.balances["bc1qp2"] = 200_000_000
	mkt.mu.Unlock()

	out = r.evaluateCollection(ctx, env, 100_000_000, 0)
	if out != outcomePlaced {
		t.Fatalf("outcome: got %q, want %q", out, outcomePlaced)
	}
	s := mkt.lastSubmitted()
	if s.Request.Quantity != 2 || s.Request.Price != env.min {
		t.Fatalf("request: got price %d quantity %d, want price %d quantity 2",
			s.Request.Price, s.Request.Quantity, env.min)
	}
}
