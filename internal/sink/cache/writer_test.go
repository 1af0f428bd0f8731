package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/collector/config"
	"github.com/quantfeeds/collector/internal/schema"
)

func cacheSettings() config.CacheSettings {
	return config.CacheSettings{
		URL:             "redis://localhost:6379/0",
		PipelineSize:    200,
		FlushInterval:   50 * time.Millisecond,
		StreamMaxLen:    1000,
		PipelineTimeout: time.Second,
	}
}

func markEvent(markPx string) *schema.Event {
	return &schema.Event{
		Exchange:   "binance",
		MarketType: "perp_linear",
		Instrument: "BTCUSDT",
		Channel:    schema.ChannelMarkPrice,
		TsEventNS:  1_700_000_001_000,
		TsRecvNS:   1_700_000_001_000_500_000,
		Payload:    schema.MarkPricePayload{MarkPrice: markPx, IndexPrice: "27120.10"},
	}
}

func TestBuildCommandsMarkPriceTTL(t *testing.T) {
	cmds := BuildCommands("marketdata", 1000, markEvent("27121.50"))
	require.Len(t, cmds, 2)

	hset := cmds[0]
	require.Equal(t, KindHSet, hset.Kind)
	require.Equal(t, "marketdata:last:mark:BTCUSDT", hset.Key)
	require.Equal(t, "27121.50", hset.Fields["mark_px"])
	require.Equal(t, "27120.10", hset.Fields["index_px"])
	require.Equal(t, "1700000001000", hset.Fields["ts_event_ns"])
	require.True(t, hset.Counted)

	expire := cmds[1]
	require.Equal(t, KindExpire, expire.Kind)
	require.Equal(t, hset.Key, expire.Key)
	require.Equal(t, 3*time.Second, expire.TTL)
	require.False(t, expire.Counted)
}

func TestBuildCommandsTradeStream(t *testing.T) {
	evt := &schema.Event{
		Instrument: "ETHUSDT",
		Channel:    schema.ChannelTrades,
		TsEventNS:  1_700_000_002_000_000_000,
		TsRecvNS:   1_700_000_002_000_100_000,
		Payload: schema.TradePayload{
			Price: "1850.05", Qty: "2", Side: schema.SideSell,
			TradeID: 991, IsAggressor: true,
		},
	}
	cmds := BuildCommands("marketdata", 500, evt)
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	require.Equal(t, KindXAdd, cmd.Kind)
	require.Equal(t, "marketdata:stream:trades:ETHUSDT", cmd.Key)
	require.Equal(t, int64(500), cmd.MaxLen)
	require.Equal(t, "1850.05", cmd.Fields["px"])
	require.Equal(t, "SELL", cmd.Fields["side"])
	require.Equal(t, "991", cmd.Fields["trade_id"])
	require.Equal(t, "1", cmd.Fields["is_aggressor"])
}

func TestBuildCommandsDepthPrefixes(t *testing.T) {
	evt := &schema.Event{
		Instrument: "BTCUSDT",
		Channel:    schema.ChannelL1,
		Payload: schema.DepthPayload{
			Depth:     1,
			BidPrices: []string{"27000.1"}, BidQtys: []string{"3"},
			AskPrices: []string{"27000.2"}, AskQtys: []string{"4"},
		},
	}
	cmds := BuildCommands("marketdata", 1000, evt)
	require.Len(t, cmds, 1)
	require.Equal(t, "marketdata:last:l1:BTCUSDT", cmds[0].Key)
	require.Equal(t, "27000.1", cmds[0].Fields["b1_px"])
	require.Equal(t, "4", cmds[0].Fields["a1_sz"])

	evt.Channel = schema.ChannelOBTop5
	evt.Payload = schema.DepthPayload{
		Depth:     5,
		BidPrices: []string{"1", "2"}, BidQtys: []string{"1", "1"},
		AskPrices: []string{"3", "4"}, AskQtys: []string{"1", "1"},
	}
	cmds = BuildCommands("marketdata", 1000, evt)
	require.Equal(t, "marketdata:last:top5:BTCUSDT", cmds[0].Key)
	require.Equal(t, "2", cmds[0].Fields["b2_px"])
}

func TestBuildCommandsKlineKeyAndTTL(t *testing.T) {
	evt := &schema.Event{
		Instrument: "SOLUSDT",
		Channel:    schema.ChannelKlines,
		Payload: schema.KlinePayload{
			Interval: "1m", Open: "10", High: "11", Low: "9", Close: "10.5",
			Volume: "100", QuoteVolume: "1050", TakerBuyBaseVolume: "40",
			TakerBuyQuoteVolume: "420", TradeCount: 12, IsClosed: true,
		},
	}
	cmds := BuildCommands("marketdata", 1000, evt)
	require.Len(t, cmds, 2)
	require.Equal(t, "marketdata:last:klines:1m:SOLUSDT", cmds[0].Key)
	require.Equal(t, "1", cmds[0].Fields["is_closed"])
	require.Equal(t, 120*time.Second, cmds[1].TTL)
}

func TestBuildCommandsAggTrades5s(t *testing.T) {
	evt := &schema.Event{
		Instrument: "BTCUSDT",
		Channel:    schema.ChannelAggTrades5s,
		Payload: schema.AggTrades5sPayload{
			WindowStartNS: 1_700_000_000_000_000_000, IntervalS: 5,
			Open: "100", High: "110", Low: "90", Close: "90",
			Volume: "6", Notional: "590", TradeCount: 3,
			BuyQty: "4", SellQty: "2", BuyNotional: "370", SellNotional: "220",
			FirstTradeID: 1, LastTradeID: 3,
		},
	}
	cmds := BuildCommands("marketdata", 1000, evt)
	require.Len(t, cmds, 2)
	require.Equal(t, "marketdata:last:agg_trades_5s:BTCUSDT", cmds[0].Key)
	require.Equal(t, "1700000000000000000", cmds[0].Fields["window_start_ns"])
	require.Equal(t, "5", cmds[0].Fields["interval_s"])
	require.Equal(t, 10*time.Second, cmds[1].TTL)
}

func expectCommands(mock redismock.ClientMock, cmds []Command) {
	for _, cmd := range cmds {
		switch cmd.Kind {
		case KindHSet:
			mock.ExpectHSet(cmd.Key, cmd.Args()...).SetVal(int64(len(cmd.Fields)))
		case KindXAdd:
			mock.ExpectXAdd(&redis.XAddArgs{
				Stream: cmd.Key, MaxLen: cmd.MaxLen, Approx: true, Values: cmd.Args(),
			}).SetVal("1-1")
		case KindExpire:
			mock.ExpectExpire(cmd.Key, cmd.TTL).SetVal(true)
		}
	}
}

func TestEnqueueFlushesAtPipelineSize(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cfg := cacheSettings()
	cfg.PipelineSize = 2
	w := New(client, cfg)

	evt := markEvent("27121.50")
	expectCommands(mock, BuildCommands("marketdata", cfg.StreamMaxLen, evt))

	// One mark event yields hset+expire, reaching the pipeline size.
	require.NoError(t, w.Enqueue(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())

	stats := w.Stats()
	require.Equal(t, uint64(1), stats.Written["mark_price"])
	require.Equal(t, uint64(1), stats.Flushed["mark_price"])
	require.Zero(t, stats.Pending("mark_price"))
}

func TestTTLRefreshedOnEveryWrite(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cfg := cacheSettings()
	w := New(client, cfg)

	first := markEvent("27121.50")
	second := markEvent("27122.00")
	expectCommands(mock, BuildCommands("marketdata", cfg.StreamMaxLen, first))
	expectCommands(mock, BuildCommands("marketdata", cfg.StreamMaxLen, second))

	require.NoError(t, w.Enqueue(context.Background(), first))
	require.NoError(t, w.Enqueue(context.Background(), second))
	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineFailureDropsCommands(t *testing.T) {
	client, mock := redismock.NewClientMock()
	w := New(client, cacheSettings())

	evt := markEvent("27121.50")
	cmds := BuildCommands("marketdata", 1000, evt)
	mock.ExpectHSet(cmds[0].Key, cmds[0].Args()...).SetErr(errors.New("connection refused"))

	require.NoError(t, w.Enqueue(context.Background(), evt))
	require.Error(t, w.Flush(context.Background()))

	stats := w.Stats()
	require.Equal(t, uint64(1), stats.FlushFailed)
	require.Zero(t, stats.Flushed["mark_price"])
	require.Equal(t, uint64(1), stats.Pending("mark_price"))

	// Buffer is gone; the next flush sends nothing.
	require.NoError(t, w.Flush(context.Background()))
}
