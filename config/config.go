// Copyright (c) 2025 BVK Chaitanya

// Package config loads and validates the YAML bot configuration: the
// collections to bid on and the wallet groups that fund them. The result is
// immutable for the run.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// sats per bitcoin, for converting configured BTC amounts.
var satsPerBTC = decimal.NewFromInt(100_000_000)

// Collection configures bidding within one collection.
type Collection struct {
	// Symbol is the marketplace collection identifier.
	Symbol string `yaml:"symbol"`

	// Mode is "token" for per-token offers or "collection" for one
	// collection-wide offer.
	Mode string `yaml:"mode"`

	// MinBid and MaxBid are absolute bounds in BTC.
	MinBid decimal.Decimal `yaml:"min_bid"`
	MaxBid decimal.Decimal `yaml:"max_bid"`

	// MinFloorPct and MaxFloorPct bound bids relative to the collection
	// floor price, in percent.
	MinFloorPct float64 `yaml:"min_floor_pct"`
	MaxFloorPct float64 `yaml:"max_floor_pct"`

	// CandidateCount is how many cheapest listings a scan cycle works
	// toward.
	CandidateCount int `yaml:"candidate_count"`

	// OfferDuration is the validity window for placed offers.
	OfferDuration time.Duration `yaml:"offer_duration"`

	// OutbidMargin is added over a competing offer, in sats.
	OutbidMargin int64 `yaml:"outbid_margin"`

	// QuantityCap stops bidding once this many fills have confirmed.
	QuantityCap int64 `yaml:"quantity_cap"`

	// WalletGroup names the wallet group funding this collection.
	WalletGroup string `yaml:"wallet_group"`

	// AttributeFilter restricts candidate tokens, e.g. {"fur": "gold"}.
	AttributeFilter map[string]string `yaml:"attribute_filter"`

	// PollInterval is the full re-scan period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BidCooldown suppresses re-bidding a token we bid on very recently.
	BidCooldown time.Duration `yaml:"bid_cooldown"`
}

// MinBidSats returns the absolute minimum bid in sats.
func (c *Collection) MinBidSats() int64 {
	return c.MinBid.Mul(satsPerBTC).IntPart()
}

// MaxBidSats returns the absolute maximum bid in sats.
func (c *Collection) MaxBidSats() int64 {
	return c.MaxBid.Mul(satsPerBTC).IntPart()
}

func (c *Collection) setDefaults() {
	if c.Mode == "" {
		c.Mode = "token"
	}
	if c.CandidateCount == 0 {
		c.CandidateCount = 10
	}
	if c.OfferDuration == 0 {
		c.OfferDuration = time.Hour
	}
	if c.OutbidMargin == 0 {
		c.OutbidMargin = 1000
	}
	if c.QuantityCap == 0 {
		c.QuantityCap = 1
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
	if c.BidCooldown == 0 {
		c.BidCooldown = 30 * time.Second
	}
}

// Check validates one collection entry.
func (c *Collection) Check() error {
	if c.Symbol == "" {
		return fmt.Errorf("collection needs a symbol: %w", os.ErrInvalid)
	}
	if c.Mode != "token" && c.Mode != "collection" {
		return fmt.Errorf("collection %q mode must be token or collection: %w", c.Symbol, os.ErrInvalid)
	}
	if c.MinBid.IsNegative() || c.MaxBid.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("collection %q needs positive bid bounds: %w", c.Symbol, os.ErrInvalid)
	}
	if c.MinBid.GreaterThan(c.MaxBid) {
		return fmt.Errorf("collection %q min bid exceeds max bid: %w", c.Symbol, os.ErrInvalid)
	}
	if c.MinFloorPct <= 0 || c.MaxFloorPct <= 0 || c.MinFloorPct > c.MaxFloorPct || c.MaxFloorPct > 100 {
		return fmt.Errorf("collection %q floor percentages must satisfy 0 < min <= max <= 100: %w", c.Symbol, os.ErrInvalid)
	}
	if c.OutbidMargin <= 0 {
		return fmt.Errorf("collection %q outbid margin must be positive: %w", c.Symbol, os.ErrInvalid)
	}
	if c.WalletGroup == "" {
		return fmt.Errorf("collection %q needs a wallet group: %w", c.Symbol, os.ErrInvalid)
	}
	return nil
}

// Wallet configures one signing identity. Key material stays with the
// signing collaborator; the bot only knows addresses and budgets.
type Wallet struct {
	Name string `yaml:"name"`

	Address string `yaml:"address"`

	PaymentAddress string `yaml:"payment_address"`

	// BidsPerMinute is this wallet's budget in the rolling window.
	BidsPerMinute int `yaml:"bids_per_minute"`
}

// Config is the full bot configuration.
type Config struct {
	Collections []*Collection `yaml:"collections"`

	// WalletGroups maps group name to its wallets.
	WalletGroups map[string][]*Wallet `yaml:"wallet_groups"`

	// FeedURL is the websocket push-channel endpoint.
	FeedURL string `yaml:"feed_url"`

	// DataDir overrides the default data directory.
	DataDir string `yaml:"data_dir"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config %q: %w", path, err)
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config %q: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the whole configuration.
func (cfg *Config) Check() error {
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("at least one collection is required: %w", os.ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, c := range cfg.Collections {
		c.setDefaults()
		if err := c.Check(); err != nil {
			return err
		}
		if seen[c.Symbol] {
			return fmt.Errorf("duplicate collection %q: %w", c.Symbol, os.ErrExist)
		}
		seen[c.Symbol] = true
		if _, ok := cfg.WalletGroups[c.WalletGroup]; !ok {
			return fmt.Errorf("collection %q references unknown wallet group %q: %w", c.Symbol, c.WalletGroup, os.ErrInvalid)
		}
	}
	for name, wallets := range cfg.WalletGroups {
		if len(wallets) == 0 {
			return fmt.Errorf("wallet group %q has no wallets: %w", name, os.ErrInvalid)
		}
		for _, w := range wallets {
			if w.Name == "" || w.Address == "" {
				return fmt.Errorf("wallet group %q has a wallet without name or address: %w", name, os.ErrInvalid)
			}
			if w.BidsPerMinute <= 0 {
				return fmt.Errorf("wallet %q needs a positive bids_per_minute: %w", w.Name, os.ErrInvalid)
			}
		}
	}
	return nil
}
