package binance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/collector/internal/schema"
)

const recvNS = int64(1_700_000_000_500_000_000)

func allChannelsParser() *Parser {
	return NewParser("binance", "perp_linear", schema.Channels())
}

func TestParseAggTradeScalesToNanoseconds(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000123,"s":"BTCUSDT","a":55,"p":"27100.50","q":"0.25","T":1700000000100,"m":true}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	require.Equal(t, schema.ChannelTrades, evt.Channel)
	require.Equal(t, "BTCUSDT", evt.Instrument)
	require.Equal(t, int64(1_700_000_000_100)*1_000_000, evt.TsEventNS)
	require.Equal(t, recvNS, evt.TsRecvNS)

	trade := evt.Payload.(schema.TradePayload)
	require.Equal(t, "27100.50", trade.Price)
	require.Equal(t, "0.25", trade.Qty)
	require.Equal(t, schema.SideSell, trade.Side)
	require.Equal(t, int64(55), trade.TradeID)
	require.False(t, trade.IsAggressor)
}

func TestParseBookTickerKeepsMillisecondStamp(t *testing.T) {
	frame := []byte(`{"stream":"ethusdt@bookTicker","data":{"E":1700000000200,"s":"ETHUSDT","b":"1850.10","B":"12","a":"1850.20","A":"8"}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	require.Equal(t, schema.ChannelL1, evt.Channel)
	require.Equal(t, int64(1_700_000_000_200), evt.TsEventNS)

	depth := evt.Payload.(schema.DepthPayload)
	require.Equal(t, 1, depth.Depth)
	require.Equal(t, []string{"1850.10"}, depth.BidPrices)
	require.Equal(t, []string{"8"}, depth.AskQtys)
}

func TestParseBookTickerFallsBackToReceiveTime(t *testing.T) {
	frame := []byte(`{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"1850.10","B":"12","a":"1850.20","A":"8"}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Equal(t, recvNS/1_000_000, events[0].TsEventNS)
}

func TestParseDepth5EmitsDerivedMetrics(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth5@100ms","data":{"E":1700000000300,"s":"BTCUSDT","bids":[["100","2"],["99","1"]],"asks":[["102","1"],["103","2"]]}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 2)

	depth := events[0]
	require.Equal(t, schema.ChannelOBTop5, depth.Channel)
	payload := depth.Payload.(schema.DepthPayload)
	require.Equal(t, 5, payload.Depth)
	require.Equal(t, []string{"100", "99"}, payload.BidPrices)

	adv := events[1]
	require.Equal(t, schema.ChannelAdvancedMetrics, adv.Channel)
	metrics := adv.Payload.(schema.AdvancedMetricsPayload).Metrics
	require.Equal(t, "2", metrics["spread_px"])
	require.Equal(t, "101", metrics["mid_px"])
	// (3-3)/(3+3)
	require.Equal(t, "0", metrics["imbalance_5"])
}

func TestParseDepth5WithoutAdvancedChannel(t *testing.T) {
	parser := NewParser("binance", "perp_linear", []schema.Channel{schema.ChannelOBTop5})
	frame := []byte(`{"stream":"btcusdt@depth5@100ms","data":{"E":1,"s":"BTCUSDT","bids":[["100","2"]],"asks":[["102","1"]]}}`)
	events, err := parser.Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, schema.ChannelOBTop5, events[0].Channel)
}

func TestParseDiffDepth(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1700000000400,"s":"BTCUSDT","U":1001,"u":1003,"b":[["100","0"],["99","5"]],"a":[["101","2"]]}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)

	diff := events[0].Payload.(schema.DiffPayload)
	require.Equal(t, uint64(1003), diff.Sequence)
	require.Equal(t, uint64(1001), diff.PrevSequence)
	require.Equal(t, "0", diff.Bids["100"])
	require.Equal(t, "5", diff.Bids["99"])
	require.Equal(t, "2", diff.Asks["101"])
}

func TestParseForceOrder(t *testing.T) {
	frame := []byte(`{"stream":"solusdt@forceOrder","data":{"E":1700000000500,"o":{"s":"SOLUSDT","S":"SELL","L":"20.15","z":"300","i":77,"X":"FILLED","T":1700000000490}}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	require.Equal(t, schema.ChannelLiquidations, evt.Channel)
	require.Equal(t, "SOLUSDT", evt.Instrument)
	require.Equal(t, int64(1_700_000_000_490), evt.TsEventNS)

	liq := evt.Payload.(schema.LiquidationPayload)
	require.Equal(t, schema.SideSell, liq.Side)
	require.Equal(t, "20.15", liq.Price)
	require.Equal(t, "300", liq.Qty)
	require.Equal(t, "77", liq.OrderID)
	require.Equal(t, "FILLED", liq.Reason)
}

func TestParseMarkPriceEmitsMarkAndFunding(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@markPrice@1s","data":{"E":1700000000600,"s":"BTCUSDT","p":"27100.10","i":"27099.90","r":"0.0001","T":1700028800000}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 2)

	mark := events[0]
	require.Equal(t, schema.ChannelMarkPrice, mark.Channel)
	markPayload := mark.Payload.(schema.MarkPricePayload)
	require.Equal(t, "27100.10", markPayload.MarkPrice)
	require.Equal(t, "27099.90", markPayload.IndexPrice)

	funding := events[1]
	require.Equal(t, schema.ChannelFunding, funding.Channel)
	fundingPayload := funding.Payload.(schema.FundingPayload)
	require.Equal(t, "0.0001", fundingPayload.FundingRate)
	require.Equal(t, int64(1_700_028_800_000), fundingPayload.NextFundingTSNS)
}

func TestParseMarkPriceOnlyMarkRequested(t *testing.T) {
	parser := NewParser("binance", "perp_linear", []schema.Channel{schema.ChannelMarkPrice})
	frame := []byte(`{"stream":"btcusdt@markPrice@1s","data":{"E":1,"s":"BTCUSDT","p":"27100.10","r":"0.0001","T":2}}`)
	events, err := parser.Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, schema.ChannelMarkPrice, events[0].Channel)
}

func TestParseKline(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@kline_1m","data":{"E":1700000000700,"s":"BTCUSDT","k":{"i":"1m","o":"100","h":"110","l":"95","c":"105","v":"12","n":42,"x":true,"q":"1260","V":"7","Q":"735"}}}`)
	events, err := allChannelsParser().Parse(frame, recvNS)
	require.NoError(t, err)
	require.Len(t, events, 1)

	kline := events[0].Payload.(schema.KlinePayload)
	require.Equal(t, "1m", kline.Interval)
	require.Equal(t, "105", kline.Close)
	require.Equal(t, "1260", kline.QuoteVolume)
	require.Equal(t, "7", kline.TakerBuyBaseVolume)
	require.Equal(t, int64(42), kline.TradeCount)
	require.True(t, kline.IsClosed)
}

func TestParseRejectsUnknownStream(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@ticker","data":{}}`)
	_, err := allChannelsParser().Parse(frame, recvNS)
	require.Error(t, err)
}

func TestParseRejectsMalformedFrame(t *testing.T) {
	_, err := allChannelsParser().Parse([]byte(`{"stream":`), recvNS)
	require.Error(t, err)
}
