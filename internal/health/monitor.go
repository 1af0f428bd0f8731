// Package health aggregates per-channel delivery counters and emits the
// periodic [health], [discs], [errors], and [sys] log lines.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/observability"
	"github.com/quantfeeds/collector/internal/schema"
	"github.com/quantfeeds/collector/internal/sink"
)

// msThreshold separates legacy millisecond stamps from true nanosecond
// stamps when computing lag.
const msThreshold = int64(1e15)

const backlogAlpha = 0.3

// ConnStats is one connection's counters as reported by the adapter.
type ConnStats struct {
	ID       int
	Streams  int
	Messages uint64
	Connects uint64
	Drops    uint64
}

// Config sizes the expectation formulas and the reporting cadence.
type Config struct {
	Label          string
	Symbols        int
	Channels       []schema.Channel
	LogInterval    time.Duration
	KlineIntervalS int
}

type channelCounters struct {
	ws     atomic.Uint64
	routed atomic.Uint64

	mu       sync.Mutex
	lagSumMS int64
	lagMaxMS int64
	lagCount int64

	backlog   float64
	backlogWS float64

	lastFlushed uint64
	lastWritten uint64
	lastWS      uint64
}

// Monitor is a passive aggregator: producers bump counters, the monitor
// reads sink snapshots on its own timer and logs the deltas.
type Monitor struct {
	cfg      Config
	channels map[schema.Channel]*channelCounters

	writersMu sync.Mutex
	writers   []sink.Writer

	connStats func() []ConnStats

	errorsMu sync.Mutex
	errors   map[errs.CanonicalCode]uint64

	routedCtr  metric.Int64Counter
	lagGauge   metric.Float64Gauge
	backlogG   metric.Float64Gauge
	flushedCtr metric.Int64Counter
}

// New builds a monitor for the preset's channel set. meter may be a noop.
func New(cfg Config, meter metric.Meter) *Monitor {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 5 * time.Second
	}
	if cfg.KlineIntervalS <= 0 {
		cfg.KlineIntervalS = 60
	}
	m := &Monitor{
		cfg:      cfg,
		channels: make(map[schema.Channel]*channelCounters, len(cfg.Channels)),
		errors:   make(map[errs.CanonicalCode]uint64),
	}
	for _, ch := range cfg.Channels {
		m.channels[ch] = &channelCounters{}
	}
	if meter != nil {
		m.routedCtr, _ = meter.Int64Counter("collector.routed",
			metric.WithDescription("events handed to the router"))
		m.flushedCtr, _ = meter.Int64Counter("collector.flushed",
			metric.WithDescription("rows confirmed by sink flush"))
		m.lagGauge, _ = meter.Float64Gauge("collector.lag_ms",
			metric.WithDescription("receive lag per channel"))
		m.backlogG, _ = meter.Float64Gauge("collector.backlog",
			metric.WithDescription("expected-vs-flushed deficit"))
	}
	return m
}

// RegisterWriter adds a sink whose stats feed the written/flushed columns.
func (m *Monitor) RegisterWriter(w sink.Writer) {
	m.writersMu.Lock()
	m.writers = append(m.writers, w)
	m.writersMu.Unlock()
}

// SetConnStats installs the adapter's shard counter source.
func (m *Monitor) SetConnStats(fn func() []ConnStats) {
	m.connStats = fn
}

// RecordFrame counts one accepted WebSocket frame for the channel.
func (m *Monitor) RecordFrame(ch schema.Channel) {
	if c := m.channels[ch]; c != nil {
		c.ws.Add(1)
	}
}

// RecordRouted counts one event handed to the router and folds its lag in.
func (m *Monitor) RecordRouted(evt *schema.Event) {
	c := m.channels[evt.Channel]
	if c == nil {
		return
	}
	c.routed.Add(1)
	if m.routedCtr != nil {
		m.routedCtr.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("channel", string(evt.Channel))))
	}

	lagMS := lagMillis(evt.TsEventNS, evt.TsRecvNS)
	if lagMS < 0 {
		return
	}
	c.mu.Lock()
	c.lagSumMS += lagMS
	c.lagCount++
	if lagMS > c.lagMaxMS {
		c.lagMaxMS = lagMS
	}
	c.mu.Unlock()
}

// RecordError folds an error into the canonical-code tally.
func (m *Monitor) RecordError(err error) {
	code := errs.CanonicalUnknown
	var e *errs.E
	if errors.As(err, &e) {
		code = e.Canonical
	}
	m.errorsMu.Lock()
	m.errors[code]++
	m.errorsMu.Unlock()
}

// Run emits report lines on the preset's cadence until cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.LogInterval)
	defer ticker.Stop()
	sys := newSysSampler()
	for {
		select {
		case <-ticker.C:
			m.report()
			m.reportConns()
			m.reportErrors()
			sys.report()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) report() {
	stats := m.sinkStats()
	intervalS := int64(m.cfg.LogInterval / time.Second)

	ordered := make([]schema.Channel, 0, len(m.channels))
	for ch := range m.channels {
		ordered = append(ordered, ch)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, ch := range ordered {
		c := m.channels[ch]
		key := string(ch)

		var written, flushed uint64
		for _, s := range stats {
			written += s.Written[key]
			flushed += s.Flushed[key]
		}
		ws := c.ws.Load()
		routed := c.routed.Load()

		c.mu.Lock()
		flushedDelta := flushed - c.lastFlushed
		writtenDelta := written - c.lastWritten
		wsDelta := ws - c.lastWS
		c.lastFlushed = flushed
		c.lastWritten = written
		c.lastWS = ws

		expected := m.expected(ch, intervalS)
		missing := int64(0)
		if deficit := expected - int64(flushedDelta); deficit > 0 {
			missing = deficit
		}
		c.backlog = (1-backlogAlpha)*c.backlog + backlogAlpha*float64(missing)
		wsDeficit := int64(wsDelta) - int64(writtenDelta)
		if wsDeficit < 0 {
			wsDeficit = 0
		}
		c.backlogWS = (1-backlogAlpha)*c.backlogWS + backlogAlpha*float64(wsDeficit)

		var lagAvg int64
		if c.lagCount > 0 {
			lagAvg = c.lagSumMS / c.lagCount
		}
		lagMax := c.lagMaxMS
		c.lagSumMS, c.lagMaxMS, c.lagCount = 0, 0, 0
		backlog, backlogWS := c.backlog, c.backlogWS
		c.mu.Unlock()

		pending := int64(written) - int64(flushed)
		if pending < 0 {
			pending = 0
		}

		observability.Log().Info("[health] "+m.cfg.Label,
			observability.F("channel", key),
			observability.F("ws", ws),
			observability.F("routed", routed),
			observability.F("written", written),
			observability.F("flushed", flushed),
			observability.F("pending", pending),
			observability.F("expected", expected),
			observability.F("missing", missing),
			observability.F("backlog", backlog),
			observability.F("backlog_ws", backlogWS),
			observability.F("lag_avg_ms", lagAvg),
			observability.F("lag_max_ms", lagMax))

		if m.flushedCtr != nil {
			m.flushedCtr.Add(context.Background(), int64(flushedDelta),
				metric.WithAttributes(attribute.String("channel", key)))
		}
		if m.lagGauge != nil {
			m.lagGauge.Record(context.Background(), float64(lagAvg),
				metric.WithAttributes(attribute.String("channel", key)))
		}
		if m.backlogG != nil {
			m.backlogG.Record(context.Background(), backlog,
				metric.WithAttributes(attribute.String("channel", key)))
		}
	}
}

func (m *Monitor) reportConns() {
	if m.connStats == nil {
		return
	}
	var msgs, conns, drops uint64
	var streams int
	for _, s := range m.connStats() {
		msgs += s.Messages
		conns += s.Connects
		drops += s.Drops
		streams += s.Streams
	}
	observability.Log().Info("[discs] "+m.cfg.Label,
		observability.F("streams", streams),
		observability.F("msgs", msgs),
		observability.F("conns", conns),
		observability.F("discs", drops))
}

func (m *Monitor) reportErrors() {
	m.errorsMu.Lock()
	if len(m.errors) == 0 {
		m.errorsMu.Unlock()
		return
	}
	fields := make([]observability.Field, 0, len(m.errors))
	codes := make([]string, 0, len(m.errors))
	for code := range m.errors {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	for _, code := range codes {
		fields = append(fields, observability.F(code, m.errors[errs.CanonicalCode(code)]))
	}
	m.errorsMu.Unlock()
	observability.Log().Info("[errors] "+m.cfg.Label, fields...)
}

// expected estimates how many rows the channel should flush per reporting
// interval given the symbol universe.
func (m *Monitor) expected(ch schema.Channel, intervalS int64) int64 {
	symbols := int64(m.cfg.Symbols)
	switch ch {
	case schema.ChannelAggTrades5s:
		return symbols * intervalS / 5
	case schema.ChannelMarkPrice, schema.ChannelFunding:
		return symbols * intervalS
	case schema.ChannelKlines:
		klineS := int64(m.cfg.KlineIntervalS)
		return (symbols*intervalS + klineS/2) / klineS
	default:
		return 0
	}
}

func lagMillis(tsEventNS, tsRecvNS int64) int64 {
	if tsEventNS <= 0 {
		return -1
	}
	if tsEventNS < msThreshold {
		tsEventNS *= 1_000_000
	}
	if tsRecvNS < msThreshold {
		tsRecvNS *= 1_000_000
	}
	return (tsRecvNS - tsEventNS) / 1_000_000
}

func (m *Monitor) sinkStats() []sink.Stats {
	m.writersMu.Lock()
	defer m.writersMu.Unlock()
	out := make([]sink.Stats, 0, len(m.writers))
	for _, w := range m.writers {
		out = append(out, w.Stats())
	}
	return out
}
