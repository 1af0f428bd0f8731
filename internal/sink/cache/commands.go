// Package cache implements the pipelined KV sink: last-state hashes with
// TTL refresh plus capped streams for trades and liquidations.
package cache

import (
	"sort"
	"strconv"
	"time"

	"github.com/quantfeeds/collector/internal/schema"
)

// TTL policy, deliberately short: the hashes hold "latest state" only.
const (
	markPriceTTL   = 3 * time.Second
	aggTrades5sTTL = 10 * time.Second
	klinesTTL      = 120 * time.Second
)

// Kind enumerates the commands the writer pipelines.
type Kind string

const (
	// KindHSet upserts a last-state hash.
	KindHSet Kind = "hset"
	// KindXAdd appends to a capped stream.
	KindXAdd Kind = "xadd"
	// KindExpire refreshes a key TTL.
	KindExpire Kind = "expire"
)

// Command is one buffered cache operation.
type Command struct {
	Kind    Kind
	Key     string
	Fields  map[string]string
	MaxLen  int64
	TTL     time.Duration
	Channel schema.Channel
	Counted bool
}

// Args flattens the fields into key/value pairs in sorted field order, the
// form handed to HSET and XADD.
func (c Command) Args() []any {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]any, 0, len(names)*2)
	for _, name := range names {
		out = append(out, name, c.Fields[name])
	}
	return out
}

// BuildCommands converts an event into its cache commands. The key patterns,
// field names, and TTLs are external contracts; numeric values are written
// as bit-exact decimal strings.
func BuildCommands(namespace string, streamMaxLen int64, evt *schema.Event) []Command {
	if evt == nil {
		return nil
	}
	base := map[string]string{
		"ts_event_ns": strconv.FormatInt(evt.TsEventNS, 10),
		"ts_recv_ns":  strconv.FormatInt(evt.TsRecvNS, 10),
	}
	switch payload := evt.Payload.(type) {
	case schema.TradePayload:
		fields := cloneFields(base)
		fields["px"] = payload.Price
		fields["qty"] = payload.Qty
		fields["side"] = string(payload.Side)
		if payload.TradeID != 0 {
			fields["trade_id"] = strconv.FormatInt(payload.TradeID, 10)
		}
		fields["is_aggressor"] = boolField(payload.IsAggressor)
		return []Command{{
			Kind: KindXAdd, Key: joinKey(namespace, "stream", "trades", evt.Instrument),
			Fields: fields, MaxLen: streamMaxLen, Channel: evt.Channel, Counted: true,
		}}
	case schema.DepthPayload:
		prefix, ok := depthPrefix(payload.Depth)
		if !ok {
			return nil
		}
		fields := cloneFields(base)
		for i := range payload.BidPrices {
			idx := strconv.Itoa(i + 1)
			fields["b"+idx+"_px"] = payload.BidPrices[i]
			fields["b"+idx+"_sz"] = payload.BidQtys[i]
		}
		for i := range payload.AskPrices {
			idx := strconv.Itoa(i + 1)
			fields["a"+idx+"_px"] = payload.AskPrices[i]
			fields["a"+idx+"_sz"] = payload.AskQtys[i]
		}
		return []Command{{
			Kind: KindHSet, Key: joinKey(namespace, prefix, evt.Instrument),
			Fields: fields, Channel: evt.Channel, Counted: true,
		}}
	case schema.MarkPricePayload:
		fields := cloneFields(base)
		fields["mark_px"] = payload.MarkPrice
		if payload.IndexPrice != "" {
			fields["index_px"] = payload.IndexPrice
		}
		return withTTL(Command{
			Kind: KindHSet, Key: joinKey(namespace, "last:mark", evt.Instrument),
			Fields: fields, Channel: evt.Channel, Counted: true,
		}, markPriceTTL)
	case schema.FundingPayload:
		fields := cloneFields(base)
		fields["funding_rate"] = payload.FundingRate
		fields["next_funding_ts_ns"] = strconv.FormatInt(payload.NextFundingTSNS, 10)
		return []Command{{
			Kind: KindHSet, Key: joinKey(namespace, "last:funding", evt.Instrument),
			Fields: fields, Channel: evt.Channel, Counted: true,
		}}
	case schema.AggTrades5sPayload:
		fields := cloneFields(base)
		fields["interval_s"] = strconv.Itoa(payload.IntervalS)
		fields["window_start_ns"] = strconv.FormatInt(payload.WindowStartNS, 10)
		fields["open"] = payload.Open
		fields["high"] = payload.High
		fields["low"] = payload.Low
		fields["close"] = payload.Close
		fields["volume"] = payload.Volume
		fields["notional"] = payload.Notional
		fields["trade_count"] = strconv.FormatInt(payload.TradeCount, 10)
		fields["buy_qty"] = payload.BuyQty
		fields["sell_qty"] = payload.SellQty
		fields["buy_notional"] = payload.BuyNotional
		fields["sell_notional"] = payload.SellNotional
		fields["first_trade_id"] = strconv.FormatInt(payload.FirstTradeID, 10)
		fields["last_trade_id"] = strconv.FormatInt(payload.LastTradeID, 10)
		return withTTL(Command{
			Kind: KindHSet, Key: joinKey(namespace, "last:agg_trades_5s", evt.Instrument),
			Fields: fields, Channel: evt.Channel, Counted: true,
		}, aggTrades5sTTL)
	case schema.KlinePayload:
		fields := cloneFields(base)
		fields["interval"] = payload.Interval
		fields["open"] = payload.Open
		fields["high"] = payload.High
		fields["low"] = payload.Low
		fields["close"] = payload.Close
		fields["volume"] = payload.Volume
		fields["quote_volume"] = payload.QuoteVolume
		fields["taker_buy_base_volume"] = payload.TakerBuyBaseVolume
		fields["taker_buy_quote_volume"] = payload.TakerBuyQuoteVolume
		fields["trade_count"] = strconv.FormatInt(payload.TradeCount, 10)
		fields["is_closed"] = boolField(payload.IsClosed)
		return withTTL(Command{
			Kind: KindHSet, Key: joinKey(namespace, "last:klines", payload.Interval, evt.Instrument),
			Fields: fields, Channel: evt.Channel, Counted: true,
		}, klinesTTL)
	case schema.AdvancedMetricsPayload:
		fields := cloneFields(base)
		for name, value := range payload.Metrics {
			fields[name] = value
		}
		return []Command{{
			Kind: KindHSet, Key: joinKey(namespace, "last:adv", evt.Instrument),
			Fields: fields, Channel: evt.Channel, Counted: true,
		}}
	case schema.LiquidationPayload:
		fields := cloneFields(base)
		fields["side"] = string(payload.Side)
		fields["px"] = payload.Price
		fields["qty"] = payload.Qty
		if payload.OrderID != "" {
			fields["order_id"] = payload.OrderID
		}
		if payload.Reason != "" {
			fields["reason"] = payload.Reason
		}
		return []Command{{
			Kind: KindXAdd, Key: joinKey(namespace, "stream", "liquidations", evt.Instrument),
			Fields: fields, MaxLen: streamMaxLen, Channel: evt.Channel, Counted: true,
		}}
	default:
		return nil
	}
}

func depthPrefix(depth int) (string, bool) {
	switch depth {
	case 1:
		return "last:l1", true
	case 5:
		return "last:top5", true
	case 10:
		return "last:top10", true
	case 20:
		return "last:top20", true
	case 50:
		return "last:top50", true
	case 100:
		return "last:top100", true
	default:
		return "", false
	}
}

func withTTL(cmd Command, ttl time.Duration) []Command {
	return []Command{cmd, {Kind: KindExpire, Key: cmd.Key, TTL: ttl, Channel: cmd.Channel}}
}

func cloneFields(base map[string]string) map[string]string {
	out := make(map[string]string, len(base)+16)
	for k, v := range base {
		out[k] = v
	}
	return out
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func joinKey(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ":" + p
	}
	return out
}
