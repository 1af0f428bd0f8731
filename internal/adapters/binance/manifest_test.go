package binance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/collector/internal/schema"
)

func TestStreamNames(t *testing.T) {
	require.Equal(t, "btcusdt@aggTrade", StreamName(schema.ChannelTrades, "BTCUSDT", "", ""))
	require.Equal(t, "btcusdt@bookTicker", StreamName(schema.ChannelL1, "BTCUSDT", "", ""))
	require.Equal(t, "btcusdt@depth5@250ms", StreamName(schema.ChannelOBTop5, "BTCUSDT", "250ms", ""))
	require.Equal(t, "btcusdt@depth@100ms", StreamName(schema.ChannelOBDiff, "BTCUSDT", "", ""))
	require.Equal(t, "btcusdt@forceOrder", StreamName(schema.ChannelLiquidations, "BTCUSDT", "", ""))
	require.Equal(t, "btcusdt@markPrice@1s", StreamName(schema.ChannelFunding, "BTCUSDT", "", ""))
	require.Equal(t, "btcusdt@kline_5m", StreamName(schema.ChannelKlines, "BTCUSDT", "", "5m"))
}

func TestSubscriptionChannelReduction(t *testing.T) {
	subs := SubscriptionChannels([]schema.Channel{
		schema.ChannelTrades,
		schema.ChannelAggTrades5s,
		schema.ChannelL1,
		schema.ChannelOBTop5,
		schema.ChannelAdvancedMetrics,
	})
	require.Equal(t, []schema.Channel{
		schema.ChannelTrades, schema.ChannelL1, schema.ChannelOBTop5,
	}, subs)

	// With the diff stream subscribed, l1 is derived from the book.
	subs = SubscriptionChannels([]schema.Channel{
		schema.ChannelL1, schema.ChannelOBDiff, schema.ChannelFunding,
	})
	require.Equal(t, []schema.Channel{
		schema.ChannelOBDiff, schema.ChannelMarkPrice,
	}, subs)
}

func TestCombinedURL(t *testing.T) {
	url := CombinedURL("wss://fstream.example.com/", []string{"btcusdt@aggTrade", "ethusdt@aggTrade"})
	require.Equal(t, "wss://fstream.example.com/stream?streams=btcusdt@aggTrade/ethusdt@aggTrade", url)
}

func TestChunkSymbols(t *testing.T) {
	chunks := ChunkSymbols([]string{"A", "B", "C", "D", "E"}, 2)
	require.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, chunks)
	require.Nil(t, ChunkSymbols(nil, 2))
}
