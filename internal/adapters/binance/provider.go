package binance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/observability"
	"github.com/quantfeeds/collector/internal/schema"
)

const sweepInterval = 2 * time.Second

// Provider fans the venue's sharded WebSocket streams into one canonical
// event channel. Per-instrument state (trade windows, diff books) lives here;
// shards stay stateless carriers.
type Provider struct {
	opts    Options
	parser  *Parser
	agg     *Aggregator
	fetcher SnapshotFetcher

	diffSubscribed bool

	booksMu sync.Mutex
	books   map[string]*bookEntry

	shards  []*shard
	resyncs conc.WaitGroup
	events  chan *schema.Event
	errors  chan error

	cancel context.CancelFunc
}

type bookEntry struct {
	mu        sync.Mutex
	book      *Book
	resyncing atomic.Bool
}

// NewProvider validates the options and prepares the provider. Shards are
// not dialed until Run.
func NewProvider(opts Options) (*Provider, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	p := &Provider{
		opts:    opts,
		parser:  NewParser(opts.Exchange, opts.MarketType, opts.Channels),
		fetcher: opts.Fetcher,
		books:   make(map[string]*bookEntry),
		events:  make(chan *schema.Event, opts.QueueSize),
		errors:  make(chan error, 256),
	}
	if opts.wants(schema.ChannelAggTrades5s) {
		p.agg = NewAggregator(opts.Exchange, opts.MarketType, opts.Now)
	}
	if opts.wants(schema.ChannelOBDiff) || opts.wants(schema.ChannelL1) {
		for _, ch := range SubscriptionChannels(opts.Channels) {
			if ch == schema.ChannelOBDiff {
				p.diffSubscribed = true
			}
		}
	}
	if p.diffSubscribed && p.fetcher == nil {
		if opts.RESTURL == "" {
			return nil, errs.New(opts.Exchange, errs.CodeInvalid,
				errs.WithMessage("rest url required for diff book bootstrap"))
		}
		p.fetcher = NewHTTPSnapshotFetcher(opts.RESTURL, opts.SnapshotDepth)
	}
	return p, nil
}

// Events is the bounded canonical event stream. Consumers must drain it; a
// full channel backpressures the shards.
func (p *Provider) Events() <-chan *schema.Event { return p.events }

// Errors surfaces connection and protocol errors for the health accounting.
func (p *Provider) Errors() <-chan error { return p.errors }

// Run dials the shards and blocks until ctx is cancelled, then tears the
// connections down and closes the event channel.
func (p *Provider) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, ch := range SubscriptionChannels(p.opts.Channels) {
		for _, chunk := range ChunkSymbols(p.opts.Symbols, ShardCap(ch)) {
			streams := make([]string, 0, len(chunk))
			for _, sym := range chunk {
				streams = append(streams, StreamName(ch, sym, p.opts.DepthSpeed, p.opts.KlineInterval))
			}
			s := newShard(runCtx, len(p.shards), p.opts.WebsocketURL, streams,
				p.opts.ReadTimeout, p.frameHandler(runCtx, ch), p.errors)
			p.shards = append(p.shards, s)
		}
	}
	observability.Log().Info("provider starting",
		observability.F("exchange", p.opts.Exchange),
		observability.F("symbols", len(p.opts.Symbols)),
		observability.F("shards", len(p.shards)))

	var wg conc.WaitGroup
	for _, s := range p.shards {
		shard := s
		wg.Go(shard.run)
	}
	if p.agg != nil {
		wg.Go(func() { p.sweepLoop(runCtx) })
	}

	<-runCtx.Done()
	for _, s := range p.shards {
		s.stop()
	}
	wg.Wait()
	// Shards are stopped, so no new resync can start; wait for in-flight
	// snapshot fetches before the channels close.
	p.resyncs.Wait()
	close(p.events)
	close(p.errors)
	return nil
}

// Stop cancels the provider's run context.
func (p *Provider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// ShardStats snapshots every connection's counters.
func (p *Provider) ShardStats() []ShardStats {
	out := make([]ShardStats, 0, len(p.shards))
	for _, s := range p.shards {
		out = append(out, s.stats())
	}
	return out
}

// Lost reports protocol-level drops (late trades).
func (p *Provider) Lost() uint64 {
	if p.agg == nil {
		return 0
	}
	return p.agg.Lost()
}

// frameHandler binds one shard's frames to the provider, tagging the frame
// hook with the shard's subscription channel.
func (p *Provider) frameHandler(ctx context.Context, ch schema.Channel) func([]byte, int64) {
	return func(frame []byte, recvNS int64) {
		if p.opts.FrameHook != nil {
			p.opts.FrameHook(ch)
		}
		p.handleFrame(ctx, frame, recvNS)
	}
}

func (p *Provider) handleFrame(ctx context.Context, frame []byte, recvNS int64) {
	parsed, err := p.parser.Parse(frame, recvNS)
	if err != nil {
		p.reportError(ctx, err)
		return
	}
	for _, evt := range parsed {
		switch evt.Channel {
		case schema.ChannelTrades:
			p.handleTrade(ctx, evt)
		case schema.ChannelOBDiff:
			p.handleDiff(ctx, evt)
		case schema.ChannelKlines:
			if kline, ok := evt.Payload.(schema.KlinePayload); ok && kline.Interval == p.opts.KlineInterval {
				p.emit(ctx, evt)
			}
		default:
			if p.opts.wants(evt.Channel) {
				p.emit(ctx, evt)
			}
		}
	}
}

func (p *Provider) handleTrade(ctx context.Context, evt *schema.Event) {
	if p.opts.wants(schema.ChannelTrades) {
		p.emit(ctx, evt)
	}
	if p.agg == nil {
		return
	}
	closedWindows, err := p.agg.Add(evt)
	if err != nil {
		p.reportError(ctx, err)
	}
	for _, window := range closedWindows {
		p.emit(ctx, window)
	}
}

func (p *Provider) handleDiff(ctx context.Context, evt *schema.Event) {
	diff, ok := evt.Payload.(schema.DiffPayload)
	if !ok {
		return
	}
	entry := p.bookFor(evt.Instrument)

	entry.mu.Lock()
	applied, needSnapshot, err := entry.book.ApplyDiff(diff)
	bidPx, bidQty, askPx, askQty, hasBest := entry.book.Best()
	entry.mu.Unlock()

	if err != nil {
		p.reportError(ctx, err)
	}
	if needSnapshot {
		p.scheduleResync(ctx, evt.Instrument, entry)
	}
	if !applied {
		return
	}
	if p.opts.wants(schema.ChannelOBDiff) {
		p.emit(ctx, evt)
	}
	if p.opts.wants(schema.ChannelL1) && p.diffSubscribed && hasBest {
		p.emit(ctx, &schema.Event{
			Exchange:   evt.Exchange,
			MarketType: evt.MarketType,
			Instrument: evt.Instrument,
			Channel:    schema.ChannelL1,
			TsEventNS:  evt.TsEventNS,
			TsRecvNS:   evt.TsRecvNS,
			Payload: schema.DepthPayload{
				Depth:     1,
				BidPrices: []string{bidPx},
				BidQtys:   []string{bidQty},
				AskPrices: []string{askPx},
				AskQtys:   []string{askQty},
			},
		})
	}
}

func (p *Provider) bookFor(instrument string) *bookEntry {
	p.booksMu.Lock()
	defer p.booksMu.Unlock()
	entry, ok := p.books[instrument]
	if !ok {
		entry = &bookEntry{book: NewBook(p.opts.Exchange, instrument)}
		p.books[instrument] = entry
	}
	return entry
}

// scheduleResync runs one snapshot cycle per symbol at a time. The fetcher's
// per-symbol cooldown paces repeated attempts.
func (p *Provider) scheduleResync(ctx context.Context, instrument string, entry *bookEntry) {
	if !entry.resyncing.CompareAndSwap(false, true) {
		return
	}
	p.resyncs.Go(func() {
		defer entry.resyncing.Store(false)
		for {
			if ctx.Err() != nil {
				return
			}
			snap, err := p.fetcher.Fetch(ctx, instrument)
			if err != nil {
				p.reportError(ctx, err)
				if ctx.Err() != nil {
					return
				}
				continue
			}
			entry.mu.Lock()
			err = entry.book.ApplySnapshot(snap)
			synced := entry.book.State() == BookSynced
			entry.mu.Unlock()
			if err != nil {
				p.reportError(ctx, err)
			}
			if synced {
				return
			}
		}
	})
}

func (p *Provider) emit(ctx context.Context, evt *schema.Event) {
	select {
	case p.events <- evt:
	case <-ctx.Done():
	}
}

func (p *Provider) reportError(ctx context.Context, err error) {
	select {
	case p.errors <- err:
	case <-ctx.Done():
	default:
	}
}

func (p *Provider) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, window := range p.agg.Sweep(p.opts.Now()) {
				p.emit(ctx, window)
			}
		case <-ctx.Done():
			return
		}
	}
}
