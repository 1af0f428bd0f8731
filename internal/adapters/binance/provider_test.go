package binance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/collector/internal/schema"
)

type stubFetcher struct {
	snap  Snapshot
	calls int
}

func (s *stubFetcher) Fetch(context.Context, string) (Snapshot, error) {
	s.calls++
	return s.snap, nil
}

type blockingFetcher struct {
	release chan struct{}
	snap    Snapshot
}

func (f *blockingFetcher) Fetch(context.Context, string) (Snapshot, error) {
	<-f.release
	return f.snap, nil
}

func diffProvider(t *testing.T, fetcher SnapshotFetcher) *Provider {
	t.Helper()
	p, err := NewProvider(Options{
		WebsocketURL: "wss://fstream.example.com",
		Symbols:      []string{"BTCUSDT"},
		Channels:     []schema.Channel{schema.ChannelOBDiff, schema.ChannelL1},
		Fetcher:      fetcher,
	})
	require.NoError(t, err)
	return p
}

func drain(p *Provider) []*schema.Event {
	var out []*schema.Event
	for {
		select {
		case evt := <-p.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestProviderBootstrapsDiffBook(t *testing.T) {
	fetcher := &stubFetcher{snap: Snapshot{
		LastUpdateID: 999,
		Bids:         map[string]string{"100": "2"},
		Asks:         map[string]string{"101": "3"},
	}}
	p := diffProvider(t, fetcher)
	ctx := context.Background()

	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"s":"BTCUSDT","U":999,"u":1000,"b":[["100","5"]],"a":[]}}`)
	p.handleFrame(ctx, frame, recvNS)

	entry := p.bookFor("BTCUSDT")
	require.Eventually(t, func() bool {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.book.State() == BookSynced
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fetcher.calls)

	// First diff was buffered, not routed.
	require.Empty(t, drain(p))

	// A contiguous diff now applies and yields the diff plus derived L1.
	next := []byte(`{"stream":"btcusdt@depth@100ms","data":{"E":2,"s":"BTCUSDT","U":1001,"u":1002,"b":[["99","1"]],"a":[]}}`)
	p.handleFrame(ctx, next, recvNS)

	events := drain(p)
	require.Len(t, events, 2)
	require.Equal(t, schema.ChannelOBDiff, events[0].Channel)
	require.Equal(t, schema.ChannelL1, events[1].Channel)

	l1 := events[1].Payload.(schema.DepthPayload)
	require.Equal(t, []string{"100"}, l1.BidPrices)
	require.Equal(t, []string{"5"}, l1.BidQtys)
	require.Equal(t, []string{"101"}, l1.AskPrices)
}

func TestProviderShutdownWaitsForResync(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{}), snap: Snapshot{
		LastUpdateID: 999,
		Bids:         map[string]string{"100": "2"},
		Asks:         map[string]string{"101": "3"},
	}}
	p := diffProvider(t, fetcher)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	// First diff schedules a snapshot fetch that parks on the fetcher.
	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"s":"BTCUSDT","U":999,"u":1000,"b":[["100","5"]],"a":[]}}`)
	p.handleFrame(ctx, frame, recvNS)

	cancel()
	select {
	case <-done:
		t.Fatal("run returned with a snapshot fetch in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(fetcher.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	// Channels closed after the fetch settled; draining must not panic.
	for range p.errors {
	}
	for range p.events {
	}
}

func TestProviderFrameHookCountsFrames(t *testing.T) {
	var hooked []schema.Channel
	p, err := NewProvider(Options{
		WebsocketURL: "wss://fstream.example.com",
		Symbols:      []string{"BTCUSDT"},
		Channels:     []schema.Channel{schema.ChannelMarkPrice, schema.ChannelFunding},
		FrameHook:    func(ch schema.Channel) { hooked = append(hooked, ch) },
	})
	require.NoError(t, err)

	// One markPrice frame yields two events but counts as one frame on the
	// shard's subscription channel.
	handler := p.frameHandler(context.Background(), schema.ChannelMarkPrice)
	frame := []byte(`{"stream":"btcusdt@markPrice@1s","data":{"E":1700000000600,"s":"BTCUSDT","p":"27100.10","i":"27099.90","r":"0.0001","T":1700028800000}}`)
	handler(frame, recvNS)

	require.Len(t, drain(p), 2)
	require.Equal(t, []schema.Channel{schema.ChannelMarkPrice}, hooked)
}

func TestProviderTradeChannelsFanOut(t *testing.T) {
	p, err := NewProvider(Options{
		WebsocketURL: "wss://fstream.example.com",
		Symbols:      []string{"BTCUSDT"},
		Channels:     []schema.Channel{schema.ChannelTrades, schema.ChannelAggTrades5s},
	})
	require.NoError(t, err)
	ctx := context.Background()

	first := []byte(`{"stream":"btcusdt@aggTrade","data":{"E":1700000001000,"s":"BTCUSDT","a":1,"p":"100","q":"1","T":1700000001000,"m":false}}`)
	p.handleFrame(ctx, first, recvNS)
	events := drain(p)
	require.Len(t, events, 1)
	require.Equal(t, schema.ChannelTrades, events[0].Channel)

	// Crossing the 5 s grid closes the window.
	second := []byte(`{"stream":"btcusdt@aggTrade","data":{"E":1700000006000,"s":"BTCUSDT","a":2,"p":"101","q":"1","T":1700000006000,"m":false}}`)
	p.handleFrame(ctx, second, recvNS)
	events = drain(p)
	require.Len(t, events, 2)
	require.Equal(t, schema.ChannelTrades, events[0].Channel)
	require.Equal(t, schema.ChannelAggTrades5s, events[1].Channel)

	agg := events[1].Payload.(schema.AggTrades5sPayload)
	require.Equal(t, "100", agg.Close)
	require.Equal(t, int64(1), agg.TradeCount)
}
