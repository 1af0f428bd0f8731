package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/collector/config"
	"github.com/quantfeeds/collector/internal/schema"
)

func boundNames(s *Supervisor, ch schema.Channel) []string {
	var names []string
	for _, w := range s.router.Bindings(ch) {
		names = append(names, w.Name())
	}
	return names
}

func TestNewBindsWritersPerChannelRoute(t *testing.T) {
	cfg := config.Default()
	preset := config.Preset{
		ID:          "route-split",
		Label:       "route-split",
		Market:      config.MarketPerpLinear,
		Channels:    []schema.Channel{schema.ChannelTrades, schema.ChannelMarkPrice},
		Symbols:     []string{"BTCUSDT"},
		LogInterval: 5 * time.Second,
		Routes: map[schema.Channel]config.ChannelRoute{
			schema.ChannelTrades:    {ToColumnar: true, ToCache: false},
			schema.ChannelMarkPrice: {ToColumnar: false, ToCache: true},
		},
	}

	s, err := New(cfg, preset, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"columnar"}, boundNames(s, schema.ChannelTrades))
	require.Equal(t, []string{"cache"}, boundNames(s, schema.ChannelMarkPrice))
}

func TestNewRoutesToEveryEnabledSinkByDefault(t *testing.T) {
	cfg := config.Default()
	preset, err := config.FindPreset("perp-mark")
	require.NoError(t, err)

	s, err := New(cfg, preset, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"columnar", "cache"}, boundNames(s, schema.ChannelMarkPrice))
	require.Equal(t, []string{"columnar", "cache"}, boundNames(s, schema.ChannelFunding))
}
