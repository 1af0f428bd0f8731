// Package binance adapts the venue's combined WebSocket streams into
// canonical events.
package binance

import (
	"strings"

	"github.com/quantfeeds/collector/internal/schema"
)

// Per-channel shard policy: one connection carries at most this many
// per-symbol streams of the same channel.
var shardCaps = map[schema.Channel]int{
	schema.ChannelTrades:       50,
	schema.ChannelAggTrades5s:  50,
	schema.ChannelL1:           100,
	schema.ChannelOBTop5:       50,
	schema.ChannelOBTop20:      50,
	schema.ChannelOBDiff:       50,
	schema.ChannelLiquidations: 200,
	schema.ChannelMarkPrice:    100,
	schema.ChannelFunding:      100,
	schema.ChannelKlines:       200,
}

// ShardCap returns the maximum streams per connection for a channel.
func ShardCap(ch schema.Channel) int {
	if n, ok := shardCaps[ch]; ok {
		return n
	}
	return 50
}

// StreamName renders the vendor stream for one symbol and channel.
// Funding rides the markPrice stream; advanced metrics are derived and have
// no stream of their own.
func StreamName(ch schema.Channel, symbol, depthSpeed, klineInterval string) string {
	sym := strings.ToLower(symbol)
	speed := depthSpeed
	if speed == "" {
		speed = "100ms"
	}
	switch ch {
	case schema.ChannelTrades, schema.ChannelAggTrades5s:
		return sym + "@aggTrade"
	case schema.ChannelL1:
		return sym + "@bookTicker"
	case schema.ChannelOBTop5:
		return sym + "@depth5@" + speed
	case schema.ChannelOBTop20:
		return sym + "@depth20@" + speed
	case schema.ChannelOBDiff:
		return sym + "@depth@" + speed
	case schema.ChannelLiquidations:
		return sym + "@forceOrder"
	case schema.ChannelMarkPrice, schema.ChannelFunding:
		return sym + "@markPrice@1s"
	case schema.ChannelKlines:
		interval := klineInterval
		if interval == "" {
			interval = "1m"
		}
		return sym + "@kline_" + interval
	default:
		return ""
	}
}

// SubscriptionChannels reduces the requested channel set to the channels that
// own a vendor stream. agg_trades_5s shares the aggTrade stream with trades,
// funding shares markPrice, advanced_metrics is satisfied by ob_top5, and l1
// is derived from the diff book when the diff stream is subscribed.
func SubscriptionChannels(requested []schema.Channel) []schema.Channel {
	want := make(map[schema.Channel]bool, len(requested))
	for _, ch := range requested {
		want[ch] = true
	}
	subs := make(map[schema.Channel]bool)
	for ch := range want {
		switch ch {
		case schema.ChannelAggTrades5s:
			subs[schema.ChannelTrades] = true
		case schema.ChannelFunding:
			subs[schema.ChannelMarkPrice] = true
		case schema.ChannelAdvancedMetrics:
			subs[schema.ChannelOBTop5] = true
		case schema.ChannelL1:
			if !want[schema.ChannelOBDiff] {
				subs[schema.ChannelL1] = true
			}
		default:
			subs[ch] = true
		}
	}
	// Stable order for shard assignment.
	var out []schema.Channel
	for _, ch := range schema.Channels() {
		if subs[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// CombinedURL renders the combined-stream endpoint for one shard.
func CombinedURL(base string, streams []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// ChunkSymbols splits the symbol list into shard-sized groups.
func ChunkSymbols(symbols []string, size int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if size <= 0 || len(symbols) <= size {
		snapshot := make([]string, len(symbols))
		copy(snapshot, symbols)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := make([]string, end-start)
		copy(chunk, symbols[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
