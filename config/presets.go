package config

import (
	"strings"
	"time"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/schema"
)

// ChannelRoute selects the sinks one channel writes to.
type ChannelRoute struct {
	ToColumnar bool `yaml:"to_columnar"`
	ToCache    bool `yaml:"to_cache"`
}

// Preset is a named bundle of channels, symbols, and reporting cadence.
// Each preset runs as one isolated process pinned to AffinityCore.
type Preset struct {
	ID            string           `yaml:"id"`
	Label         string           `yaml:"label"`
	Market        MarketType       `yaml:"market"`
	Channels      []schema.Channel `yaml:"channels"`
	Symbols       []string         `yaml:"symbols"`
	KlineInterval string           `yaml:"kline_interval"`
	LogInterval   time.Duration    `yaml:"log_interval"`
	AffinityCore  int              `yaml:"affinity_core"`

	// Routes narrows sink selection per channel. Channels without an entry
	// write to every enabled sink.
	Routes map[schema.Channel]ChannelRoute `yaml:"routes"`
}

// Route resolves the sink mask for a channel.
func (p Preset) Route(ch schema.Channel) ChannelRoute {
	if route, ok := p.Routes[ch]; ok {
		return route
	}
	return ChannelRoute{ToColumnar: true, ToCache: true}
}

// defaultUniverse is the symbol set expanded for presets declaring "ALL".
var defaultUniverse = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "AVAXUSDT", "LINKUSDT", "DOTUSDT",
	"TONUSDT", "TRXUSDT", "NEARUSDT", "LTCUSDT", "BCHUSDT",
	"APTUSDT", "SUIUSDT", "OPUSDT", "ARBUSDT", "FILUSDT",
}

// Presets returns the built-in preset catalogue.
func Presets() []Preset {
	return []Preset{
		{
			ID:     "perp-core",
			Label:  "perp-core",
			Market: MarketPerpLinear,
			Channels: []schema.Channel{
				schema.ChannelTrades, schema.ChannelAggTrades5s,
				schema.ChannelL1, schema.ChannelOBTop5,
				schema.ChannelAdvancedMetrics,
			},
			Symbols:      []string{"ALL"},
			LogInterval:  5 * time.Second,
			AffinityCore: 0,
		},
		{
			ID:           "perp-mark",
			Label:        "perp-mark",
			Market:       MarketPerpLinear,
			Channels:     []schema.Channel{schema.ChannelMarkPrice, schema.ChannelFunding},
			Symbols:      []string{"ALL"},
			LogInterval:  10 * time.Second,
			AffinityCore: 1,
		},
		{
			ID:            "perp-klines",
			Label:         "perp-klines",
			Market:        MarketPerpLinear,
			Channels:      []schema.Channel{schema.ChannelKlines},
			Symbols:       []string{"ALL"},
			KlineInterval: "1m",
			LogInterval:   60 * time.Second,
			AffinityCore:  2,
		},
		{
			ID:           "perp-depth",
			Label:        "perp-depth",
			Market:       MarketPerpLinear,
			Channels:     []schema.Channel{schema.ChannelOBTop20, schema.ChannelLiquidations},
			Symbols:      []string{"ALL"},
			LogInterval:  10 * time.Second,
			AffinityCore: 3,
		},
	}
}

// FindPreset resolves a preset by ID.
func FindPreset(id string) (Preset, error) {
	id = strings.TrimSpace(id)
	for _, p := range Presets() {
		if p.ID == id {
			return p, nil
		}
	}
	return Preset{}, errs.New("config", errs.CodeInvalid, errs.WithMessage("unknown preset "+id))
}

// ExpandSymbols resolves the preset symbol list, substituting the default
// universe for "ALL" and upper-casing everything.
func (p Preset) ExpandSymbols() []string {
	out := make([]string, 0, len(p.Symbols))
	for _, sym := range p.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if sym == "ALL" {
			out = append(out, defaultUniverse...)
			continue
		}
		out = append(out, sym)
	}
	return out
}

// Validate rejects presets that cannot be ingested.
func (p Preset) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("preset id required"))
	}
	if len(p.Channels) == 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("preset has no channels"))
	}
	for _, ch := range p.Channels {
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	for ch := range p.Routes {
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	if len(p.ExpandSymbols()) == 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("preset has no symbols"))
	}
	hasKlines := false
	for _, ch := range p.Channels {
		if ch == schema.ChannelKlines {
			hasKlines = true
		}
	}
	if hasKlines {
		iv := strings.TrimSpace(p.KlineInterval)
		if iv == "" || !strings.HasSuffix(iv, "s") && !strings.HasSuffix(iv, "m") && !strings.HasSuffix(iv, "h") {
			return errs.New("config", errs.CodeInvalid,
				errs.WithMessage("kline_interval requires an s/m/h suffix, e.g. 1m"))
		}
	}
	if p.LogInterval <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("log_interval must be positive"))
	}
	return nil
}
