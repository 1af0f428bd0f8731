package columnar

import (
	"github.com/quantfeeds/collector/internal/schema"
)

// Row is one insert line. Values are decimal strings or integers; floats
// never appear between the parser and the store.
type Row map[string]any

// TableFor maps a channel to its destination table. The depth family fans
// out to per-depth tables; diffs land in order_book_diffs.
func TableFor(ch schema.Channel) string {
	switch ch {
	case schema.ChannelTrades:
		return "trades"
	case schema.ChannelAggTrades5s:
		return "agg_trades_5s"
	case schema.ChannelL1:
		return "l1"
	case schema.ChannelOBTop5:
		return "ob_top5"
	case schema.ChannelOBTop20:
		return "ob_top20"
	case schema.ChannelOBDiff:
		return "order_book_diffs"
	case schema.ChannelLiquidations:
		return "liquidations"
	case schema.ChannelKlines:
		return "klines"
	case schema.ChannelMarkPrice:
		return "mark_price"
	case schema.ChannelFunding:
		return "funding"
	case schema.ChannelAdvancedMetrics:
		return "advanced_metrics"
	default:
		return ""
	}
}

// RowFor converts an event into its destination table and insert row.
// Events with unknown channels or payload shapes yield ("", nil) and are
// dropped by the writer under parse accounting.
func RowFor(evt *schema.Event) (string, Row) {
	if evt == nil {
		return "", nil
	}
	table := TableFor(evt.Channel)
	if table == "" {
		return "", nil
	}
	row := Row{
		"exchange":    evt.Exchange,
		"market_type": evt.MarketType,
		"instrument":  evt.Instrument,
		"ts_event_ns": evt.TsEventNS,
		"ts_recv_ns":  evt.TsRecvNS,
	}
	switch payload := evt.Payload.(type) {
	case schema.TradePayload:
		row["price"] = payload.Price
		row["qty"] = payload.Qty
		row["side"] = string(payload.Side)
		row["trade_id"] = payload.TradeID
		row["is_aggressor"] = payload.IsAggressor
	case schema.AggTrades5sPayload:
		row["window_start_ns"] = payload.WindowStartNS
		row["interval_s"] = payload.IntervalS
		row["open"] = payload.Open
		row["high"] = payload.High
		row["low"] = payload.Low
		row["close"] = payload.Close
		row["volume"] = payload.Volume
		row["notional"] = payload.Notional
		row["trade_count"] = payload.TradeCount
		row["buy_qty"] = payload.BuyQty
		row["sell_qty"] = payload.SellQty
		row["buy_notional"] = payload.BuyNotional
		row["sell_notional"] = payload.SellNotional
		row["first_trade_id"] = payload.FirstTradeID
		row["last_trade_id"] = payload.LastTradeID
	case schema.DepthPayload:
		row["depth"] = payload.Depth
		row["bid_prices"] = payload.BidPrices
		row["bid_qtys"] = payload.BidQtys
		row["ask_prices"] = payload.AskPrices
		row["ask_qtys"] = payload.AskQtys
	case schema.DiffPayload:
		row["sequence"] = payload.Sequence
		row["prev_sequence"] = payload.PrevSequence
		row["bids"] = payload.Bids
		row["asks"] = payload.Asks
	case schema.LiquidationPayload:
		row["side"] = string(payload.Side)
		row["price"] = payload.Price
		row["qty"] = payload.Qty
		row["order_id"] = payload.OrderID
		row["reason"] = payload.Reason
	case schema.KlinePayload:
		row["interval"] = payload.Interval
		row["open"] = payload.Open
		row["high"] = payload.High
		row["low"] = payload.Low
		row["close"] = payload.Close
		row["volume"] = payload.Volume
		row["quote_volume"] = payload.QuoteVolume
		row["taker_buy_base_volume"] = payload.TakerBuyBaseVolume
		row["taker_buy_quote_volume"] = payload.TakerBuyQuoteVolume
		row["trade_count"] = payload.TradeCount
		row["is_closed"] = payload.IsClosed
	case schema.MarkPricePayload:
		row["mark_price"] = payload.MarkPrice
		row["index_price"] = payload.IndexPrice
	case schema.FundingPayload:
		row["funding_rate"] = payload.FundingRate
		row["next_funding_ts_ns"] = payload.NextFundingTSNS
	case schema.AdvancedMetricsPayload:
		row["metrics"] = payload.Metrics
	default:
		return "", nil
	}
	return table, row
}
