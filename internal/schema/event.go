// Package schema defines the canonical event model shared by the adapter,
// router, and sinks.
package schema

import (
	"strings"

	"github.com/quantfeeds/collector/errs"
)

// Channel identifies an event's logical stream.
type Channel string

const (
	// ChannelTrades carries individual trade executions.
	ChannelTrades Channel = "trades"
	// ChannelAggTrades5s carries 5-second trade aggregates.
	ChannelAggTrades5s Channel = "agg_trades_5s"
	// ChannelL1 carries best bid/offer updates.
	ChannelL1 Channel = "l1"
	// ChannelOBTop5 carries top-5 depth snapshots.
	ChannelOBTop5 Channel = "ob_top5"
	// ChannelOBTop20 carries top-20 depth snapshots.
	ChannelOBTop20 Channel = "ob_top20"
	// ChannelOBDiff carries incremental depth updates.
	ChannelOBDiff Channel = "ob_diff"
	// ChannelLiquidations carries forced-order executions.
	ChannelLiquidations Channel = "liquidations"
	// ChannelKlines carries candlestick updates.
	ChannelKlines Channel = "klines"
	// ChannelMarkPrice carries mark/index price updates.
	ChannelMarkPrice Channel = "mark_price"
	// ChannelFunding carries funding-rate updates.
	ChannelFunding Channel = "funding"
	// ChannelAdvancedMetrics carries derived book metrics.
	ChannelAdvancedMetrics Channel = "advanced_metrics"
)

// Channels returns the closed set of valid channels.
func Channels() []Channel {
	return []Channel{
		ChannelTrades, ChannelAggTrades5s, ChannelL1, ChannelOBTop5,
		ChannelOBTop20, ChannelOBDiff, ChannelLiquidations, ChannelKlines,
		ChannelMarkPrice, ChannelFunding, ChannelAdvancedMetrics,
	}
}

// Validate ensures the channel belongs to the closed set.
func (c Channel) Validate() error {
	for _, known := range Channels() {
		if c == known {
			return nil
		}
	}
	return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("unknown channel "+string(c)))
}

// ValidateInstrument verifies the venue symbol is usable as a key segment.
func ValidateInstrument(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if strings.ContainsAny(symbol, " :\n") {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument contains reserved characters"))
	}
	if strings.ToUpper(symbol) != symbol {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument must be uppercase"))
	}
	return nil
}

// Event is the normalized record produced by the adapter and consumed by the
// router and sinks.
//
// TsEventNS holds the exchange event time in nanoseconds. Where the vendor
// only supplies milliseconds, some channels (l1, ob_top5, ob_top20,
// mark_price) store the millisecond count unscaled; downstream consumers that
// need wall-clock nanoseconds detect values below 1e15 and scale by 1e6.
// This mirrors the established column contents and must not change.
type Event struct {
	Exchange   string  `json:"exchange"`
	MarketType string  `json:"market_type"`
	Instrument string  `json:"instrument"`
	Channel    Channel `json:"channel"`
	TsEventNS  int64   `json:"ts_event_ns"`
	TsRecvNS   int64   `json:"ts_recv_ns"`
	Payload    any     `json:"payload"`
}

// Side captures the direction of a trade or liquidation.
type Side string

const (
	// SideBuy marks aggressive buys.
	SideBuy Side = "BUY"
	// SideSell marks aggressive sells.
	SideSell Side = "SELL"
)

// TradePayload is one executed trade. Price and Qty are decimal strings taken
// verbatim from the wire.
type TradePayload struct {
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	Side        Side   `json:"side"`
	TradeID     int64  `json:"trade_id"`
	IsAggressor bool   `json:"is_aggressor"`
}

// AggTrades5sPayload is the per-symbol 5-second aggregate of the trade feed.
// WindowStartNS is aligned to the 5 s grid; at most one row exists per
// (instrument, window).
type AggTrades5sPayload struct {
	WindowStartNS int64  `json:"window_start_ns"`
	IntervalS     int    `json:"interval_s"`
	Open          string `json:"open"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Close         string `json:"close"`
	Volume        string `json:"volume"`
	Notional      string `json:"notional"`
	TradeCount    int64  `json:"trade_count"`
	BuyQty        string `json:"buy_qty"`
	SellQty       string `json:"sell_qty"`
	BuyNotional   string `json:"buy_notional"`
	SellNotional  string `json:"sell_notional"`
	FirstTradeID  int64  `json:"first_trade_id"`
	LastTradeID   int64  `json:"last_trade_id"`
}

// DepthPayload is a fixed-depth book snapshot. The parallel arrays hold bids
// sorted descending and asks ascending.
type DepthPayload struct {
	Depth     int      `json:"depth"`
	BidPrices []string `json:"bid_prices"`
	BidQtys   []string `json:"bid_qtys"`
	AskPrices []string `json:"ask_prices"`
	AskQtys   []string `json:"ask_qtys"`
}

// DiffPayload is an incremental depth update. A qty of "0" deletes the level.
type DiffPayload struct {
	Sequence     uint64            `json:"sequence"`
	PrevSequence uint64            `json:"prev_sequence"`
	Bids         map[string]string `json:"bids"`
	Asks         map[string]string `json:"asks"`
}

// LiquidationPayload is a forced-order execution.
type LiquidationPayload struct {
	Side    Side   `json:"side"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// KlinePayload is a candlestick update; IsClosed marks the final update for
// the interval.
type KlinePayload struct {
	Interval            string `json:"interval"`
	Open                string `json:"open"`
	High                string `json:"high"`
	Low                 string `json:"low"`
	Close               string `json:"close"`
	Volume              string `json:"volume"`
	QuoteVolume         string `json:"quote_volume"`
	TakerBuyBaseVolume  string `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume string `json:"taker_buy_quote_volume"`
	TradeCount          int64  `json:"trade_count"`
	IsClosed            bool   `json:"is_closed"`
}

// MarkPricePayload is a mark/index price update.
type MarkPricePayload struct {
	MarkPrice  string `json:"mark_price"`
	IndexPrice string `json:"index_price,omitempty"`
}

// FundingPayload is a funding-rate update.
type FundingPayload struct {
	FundingRate     string `json:"funding_rate"`
	NextFundingTSNS int64  `json:"next_funding_ts_ns"`
}

// AdvancedMetricsPayload maps derived metric names to decimal strings.
type AdvancedMetricsPayload struct {
	Metrics map[string]string `json:"metrics"`
}
