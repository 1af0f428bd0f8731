package binance

import (
	"github.com/shopspring/decimal"

	"github.com/quantfeeds/collector/internal/numeric"
	"github.com/quantfeeds/collector/internal/schema"
)

var bpsFactor = decimal.NewFromInt(10_000)

// deriveMetrics computes book quality metrics from a top-5 snapshot:
// spread, mid, spread in basis points, and size imbalance over the visible
// levels. Returns nil when the top of book is missing or crossed to zero.
func deriveMetrics(depth *schema.Event) *schema.Event {
	payload, ok := depth.Payload.(schema.DepthPayload)
	if !ok {
		return nil
	}
	if len(payload.BidPrices) == 0 || len(payload.AskPrices) == 0 {
		return nil
	}
	bid, ok := numeric.Parse(payload.BidPrices[0])
	if !ok {
		return nil
	}
	ask, ok := numeric.Parse(payload.AskPrices[0])
	if !ok {
		return nil
	}

	spread := ask.Sub(bid)
	mid := ask.Add(bid).Div(decimal.NewFromInt(2))
	metrics := map[string]string{
		"spread_px": numeric.Format(spread),
		"mid_px":    numeric.Format(mid),
	}
	if !mid.IsZero() {
		metrics["spread_bps"] = numeric.Format(spread.Div(mid).Mul(bpsFactor))
	}

	bidSize := sumSizes(payload.BidQtys)
	askSize := sumSizes(payload.AskQtys)
	total := bidSize.Add(askSize)
	if !total.IsZero() {
		metrics["imbalance_5"] = numeric.Format(bidSize.Sub(askSize).Div(total))
	}

	return &schema.Event{
		Exchange:   depth.Exchange,
		MarketType: depth.MarketType,
		Instrument: depth.Instrument,
		Channel:    schema.ChannelAdvancedMetrics,
		TsEventNS:  depth.TsEventNS,
		TsRecvNS:   depth.TsRecvNS,
		Payload:    schema.AdvancedMetricsPayload{Metrics: metrics},
	}
}

func sumSizes(qtys []string) decimal.Decimal {
	total := decimal.Zero
	for _, qty := range qtys {
		total = total.Add(numeric.ParseOrZero(qty))
	}
	return total
}
