package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/schema"
)

func testMonitor(symbols int, channels ...schema.Channel) *Monitor {
	return New(Config{
		Label:       "perp-core",
		Symbols:     symbols,
		Channels:    channels,
		LogInterval: 5 * time.Second,
	}, nil)
}

func TestExpectedRowFormulas(t *testing.T) {
	m := testMonitor(20,
		schema.ChannelAggTrades5s, schema.ChannelMarkPrice, schema.ChannelKlines,
		schema.ChannelTrades)

	// 20 symbols over a 5 s interval.
	require.Equal(t, int64(20), m.expected(schema.ChannelAggTrades5s, 5))
	require.Equal(t, int64(100), m.expected(schema.ChannelMarkPrice, 5))
	// klines: 20 symbols / 60 s interval, over 60 s.
	require.Equal(t, int64(20), m.expected(schema.ChannelKlines, 60))
	require.Equal(t, int64(2), m.expected(schema.ChannelKlines, 5))
	// No expectation for event-driven channels.
	require.Equal(t, int64(0), m.expected(schema.ChannelTrades, 5))
}

func TestLagNormalizesLegacyMilliseconds(t *testing.T) {
	// Nanosecond stamps pass through.
	require.Equal(t, int64(250),
		lagMillis(1_700_000_000_000_000_000, 1_700_000_000_250_000_000))
	// Millisecond stamps below the threshold are scaled before differencing.
	require.Equal(t, int64(250),
		lagMillis(1_700_000_000_000, 1_700_000_000_250_000_000))
	require.Equal(t, int64(-1), lagMillis(0, 1_700_000_000_250_000_000))
}

func TestRecordRoutedTracksLag(t *testing.T) {
	m := testMonitor(1, schema.ChannelTrades)
	m.RecordRouted(&schema.Event{
		Channel:   schema.ChannelTrades,
		TsEventNS: 1_700_000_000_000_000_000,
		TsRecvNS:  1_700_000_000_100_000_000,
	})
	m.RecordRouted(&schema.Event{
		Channel:   schema.ChannelTrades,
		TsEventNS: 1_700_000_000_000_000_000,
		TsRecvNS:  1_700_000_000_300_000_000,
	})

	c := m.channels[schema.ChannelTrades]
	require.Equal(t, uint64(2), c.routed.Load())
	require.Equal(t, int64(400), c.lagSumMS)
	require.Equal(t, int64(300), c.lagMaxMS)

	// Unknown channels are ignored, not panicked on.
	m.RecordRouted(&schema.Event{Channel: schema.ChannelFunding})
}

func TestRecordErrorBucketsByCanonicalCode(t *testing.T) {
	m := testMonitor(1, schema.ChannelOBDiff)
	m.RecordError(errs.SequenceGap("binance", 10, 20))
	m.RecordError(errs.SequenceGap("binance", 30, 40))
	m.RecordError(errs.New("binance", errs.CodeNetwork))

	require.Equal(t, uint64(2), m.errors[errs.CanonicalSequenceGap])
	require.Equal(t, uint64(1), m.errors[errs.CanonicalUnknown])
}
