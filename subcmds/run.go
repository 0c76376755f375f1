// Copyright (c) 2025 BVK Chaitanya

package subcmds

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/bvkgo/kvbadger"
	"github.com/dgraph-io/badger/v4"
	"github.com/nightlyone/lockfile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/visvasity/cli"
	"github.com/visvasity/sglog"

	"github.com/bvk/bidbot/config"
	"github.com/bvk/bidbot/ctxutil"
	"github.com/bvk/bidbot/engine"
	"github.com/bvk/bidbot/feed"
	"github.com/bvk/bidbot/gobs"
	"github.com/bvk/bidbot/httputil"
	"github.com/bvk/bidbot/journal"
	"github.com/bvk/bidbot/locker"
	"github.com/bvk/bidbot/market"
	"github.com/bvk/bidbot/notify"
	"github.com/bvk/bidbot/pacer"
	"github.com/bvk/bidbot/state"
	"github.com/bvk/bidbot/subcmds/cmdutil"
	"github.com/bvk/bidbot/wallet"
)

type Run struct {
	cmdutil.ServerFlags

	restart         bool
	shutdownTimeout time.Duration

	noPprof bool

	marketplace string

	secretsPath string
	configPath  string
	dataDir     string
}

func (c *Run) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("run", flag.ContinueOnError)
	c.ServerFlags.SetFlags(fset)
	fset.BoolVar(&c.restart, "restart", false, "when true, kills any old instance")
	fset.DurationVar(&c.shutdownTimeout, "shutdown-timeout", 30*time.Second, "max timeout for shutdown when restarting")
	fset.BoolVar(&c.noPprof, "no-pprof", false, "when true net/http/pprof handler is not registered")
	fset.StringVar(&c.marketplace, "marketplace", "magiceden", "name of the linked-in marketplace client")
	fset.StringVar(&c.secretsPath, "secrets-file", "", "path to credentials file")
	fset.StringVar(&c.configPath, "config-file", "", "path to the collections config file")
	fset.StringVar(&c.dataDir, "data-dir", "", "path to the data directory")
	return "run", fset, cli.CmdFunc(c.run)
}

func (c *Run) Purpose() string {
	return "Runs the bidbot daemon in foreground"
}

func (c *Run) CommandHelp() string {
	return `

Command "run" starts the bidbot daemon. The daemon connects to the
marketplace push channel, scans the configured collections periodically and
places, outbids and ratchets offers within the configured price envelopes.

SECRETS FILE

The marketplace API key and optional Telegram credentials are read from a
JSON secrets file. An example secrets file is given below:

    {
        "marketplace":{
            "key":"111111111"
        },
        "telegram":{
            "token":"2222222222",
            "chat_id":"333333333"
        }
    }

When no secrets file exists, the MARKETPLACE_API_KEY, TELEGRAM_BOT_TOKEN and
TELEGRAM_CHAT_ID environment variables (or a .env file) are used instead.

`
}

func (c *Run) run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(c.dataDir) == 0 {
		c.dataDir = filepath.Join(os.Getenv("HOME"), ".bidbot")
	}
	if _, err := os.Stat(c.dataDir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not stat data directory %q: %w", c.dataDir, err)
		}
		if err := os.MkdirAll(c.dataDir, 0700); err != nil {
			return fmt.Errorf("could not create data directory %q: %w", c.dataDir, err)
		}
	}
	dataDir, err := filepath.Abs(c.dataDir)
	if err != nil {
		return fmt.Errorf("could not determine data-dir %q absolute path: %w", c.dataDir, err)
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("could not create log directory %q: %w", logDir, err)
	}
	backend := sglog.NewBackend(&sglog.Options{LogDirs: []string{logDir}})
	defer backend.Close()
	slog.SetDefault(slog.New(backend.Handler()))

	if len(c.secretsPath) == 0 {
		c.secretsPath = filepath.Join(dataDir, "secrets.json")
	}
	secrets, err := config.SecretsFromFile(c.secretsPath)
	if err != nil {
		return err
	}

	if len(c.configPath) == 0 {
		c.configPath = filepath.Join(dataDir, "bidbot.yaml")
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if len(cfg.DataDir) != 0 && c.dataDir != cfg.DataDir {
		slog.Warn("config data_dir is ignored in favor of the -data-dir flag", "config", cfg.DataDir, "flag", dataDir)
	}

	if ip := net.ParseIP(c.IP); ip == nil {
		return fmt.Errorf("invalid ip address")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port number")
	}
	addr := &net.TCPAddr{
		IP:   net.ParseIP(c.IP),
		Port: c.Port,
	}

	log.SetFlags(log.Flags() | log.Lmicroseconds)
	log.Printf("using data directory %s, config %s and secrets file %s", dataDir, c.configPath, c.secretsPath)

	lockPath := filepath.Join(dataDir, "bidbot.lock")
	flock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("could not create lock file %q: %w", lockPath, err)
	}
	if err := flock.TryLock(); err != nil {
		if !c.restart {
			return fmt.Errorf("could not get lock on file %q: %w", lockPath, err)
		}
		owner, err := flock.GetOwner()
		if err != nil {
			return fmt.Errorf("could not get current owner of the lock file: %w", err)
		}
		if err := owner.Signal(os.Interrupt); err == nil {
			log.Printf("waiting for the previous instance to shutdown")
			if err := ctxutil.RetryTimeout(ctx, time.Second, c.shutdownTimeout, flock.TryLock); err != nil {
				if err := owner.Signal(os.Kill); err != nil {
					return fmt.Errorf("could not kill current owner of the lock file: %w", err)
				}
				ctxutil.Sleep(ctx, time.Millisecond)
			}
		}
		if err := flock.TryLock(); err != nil {
			return fmt.Errorf("could not get lock on file %q after killing previous instance: %w", lockPath, err)
		}
	}
	defer flock.Unlock()

	// Open the journal database.
	bopts := badger.DefaultOptions(filepath.Join(dataDir, "db"))
	bdb, err := badger.Open(bopts)
	if err != nil {
		return fmt.Errorf("could not open the database: %w", err)
	}
	defer bdb.Close()
	jrnl := journal.New(kvbadger.New(bdb, isGoodKey))

	store, err := state.Open(&state.Options{Path: filepath.Join(dataDir, "state.gob")})
	if err != nil {
		return fmt.Errorf("could not open state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("could not flush state on shutdown (ignored): %v", err)
		}
	}()

	walletGroups := make(map[string][]*wallet.Wallet)
	for name, ws := range cfg.WalletGroups {
		for _, w := range ws {
			walletGroups[name] = append(walletGroups[name], &wallet.Wallet{
				Name:           w.Name,
				Address:        w.Address,
				PaymentAddress: w.PaymentAddress,
				BidsPerWindow:  w.BidsPerMinute,
			})
		}
	}
	groups, err := wallet.NewGroups(nil /* opts */, walletGroups)
	if err != nil {
		return err
	}

	pace := pacer.New(&pacer.Options{
		Limit:       groups.AggregateLimit(),
		MinInterval: groups.MinInterval(),
	})

	locks := locker.New(nil /* opts */)
	defer locks.Close()

	var notifier *notify.Notifier
	if secrets.Telegram != nil {
		notifier, err = notify.New(ctx, secrets.Telegram)
		if err != nil {
			return fmt.Errorf("could not create telegram notifier: %w", err)
		}
		defer notifier.Close()
	}

	mkt, signer, err := market.Connect(c.marketplace, secrets.Marketplace.Key)
	if err != nil {
		return err
	}

	var symbols []string
	for _, col := range cfg.Collections {
		symbols = append(symbols, col.Symbol)
	}
	dialer := &feed.WebsocketDialer{URL: cfg.FeedURL}
	var feedLost bool
	fopts := &feed.Options{
		StateHook: func(v feed.State) {
			switch v {
			case feed.Closed:
				feedLost = true
				notifier.FeedDown(fmt.Errorf("push channel closed; reconnecting"))
			case feed.Open:
				if feedLost {
					feedLost = false
					notifier.FeedRestored()
				}
			}
		},
	}
	supervisor := feed.New(fopts, dialer, symbols)
	defer supervisor.Close()

	eng, err := engine.New(nil /* opts */, &engine.Collaborators{
		Marketplace: mkt,
		Signer:      signer,
		Store:       store,
		Wallets:     groups,
		Pacer:       pace,
		Locks:       locks,
		Journal:     jrnl,
		Notifier:    notifier,
	}, cfg.Collections)
	if err != nil {
		return err
	}
	eng.Start(supervisor)
	defer eng.Close()

	// Start the HTTP endpoint.
	startedAt := time.Now()
	s := httputil.New(nil /* opts */)
	s.AddHandler("/metrics", promhttp.Handler())
	s.AddHandler("/pid", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, fmt.Sprintf("%d", os.Getpid()))
	}))
	s.AddHandler("/status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse(startedAt, cfg, store.Snapshot(), supervisor, eng)
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	if !c.noPprof {
		s.AddHandler("/debug/pprof/heap", pprof.Handler("heap"))
		s.AddHandler("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		s.AddHandler("/debug/pprof/allocs", pprof.Handler("allocs"))
		s.AddHandler("/debug/pprof/block", pprof.Handler("block"))
		s.AddHandler("/debug/pprof/mutex", pprof.Handler("mutex"))
	}
	if err := s.Start(ctx, addr); err != nil {
		return err
	}
	defer s.Close()

	log.Printf("started bidbot daemon at %s", addr)
	<-ctx.Done()
	log.Printf("bidbot daemon is shutting down")
	return nil
}

func statusResponse(startedAt time.Time, cfg *config.Config, snap *gobs.BotState, supervisor *feed.Supervisor, eng *engine.Engine) *StatusResponse {
	modes := make(map[string]string)
	for _, col := range cfg.Collections {
		modes[col.Symbol] = col.Mode
	}

	resp := &StatusResponse{
		Pid:            os.Getpid(),
		StartedAt:      startedAt,
		FeedState:      string(supervisor.State()),
		FeedReconnects: supervisor.Reconnects(),
		QueueEvictions: eng.Evicted(),
	}
	for sym, cs := range snap.Collections {
		st := &CollectionStatus{
			Symbol:       sym,
			Mode:         modes[sym],
			NumBids:      len(cs.Bids),
			NumLeading:   len(cs.Leading),
			Quantity:     cs.Quantity,
			LastActivity: cs.LastActivity,
		}
		if cs.CollectionOffer != nil {
			st.CollectionOfferPrice = cs.CollectionOffer.Price
		}
		resp.Collections = append(resp.Collections, st)
	}
	sort.Slice(resp.Collections, func(i, j int) bool {
		return resp.Collections[i].Symbol < resp.Collections[j].Symbol
	})
	return resp
}

func isGoodKey(k string) bool {
	return path.IsAbs(k) && k == path.Clean(k)
}
