// Package supervisor wires one preset's adapter, router, sinks, and health
// monitor into a single pinned process.
package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeeds/collector/config"
	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/adapters/binance"
	"github.com/quantfeeds/collector/internal/health"
	"github.com/quantfeeds/collector/internal/observability"
	"github.com/quantfeeds/collector/internal/router"
	"github.com/quantfeeds/collector/internal/sink"
	"github.com/quantfeeds/collector/internal/sink/cache"
	"github.com/quantfeeds/collector/internal/sink/columnar"
	"github.com/quantfeeds/collector/internal/supervisor/affinity"
)

// Supervisor owns one preset's full pipeline and its ordered shutdown.
type Supervisor struct {
	runID    string
	cfg      config.Settings
	preset   config.Preset
	symbols  []string
	provider *binance.Provider
	router   *router.Router
	monitor  *health.Monitor
	writers  []sink.Writer
}

// New validates the configuration and builds the pipeline. All configuration
// errors surface here, before any socket opens.
func New(cfg config.Settings, preset config.Preset, mp metric.MeterProvider) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := preset.Validate(); err != nil {
		return nil, err
	}
	symbols := preset.ExpandSymbols()

	var writers []sink.Writer
	var columnarWriter, cacheWriter sink.Writer
	if cfg.EnableColumnar {
		columnarWriter = columnar.New(cfg.Columnar)
		writers = append(writers, columnarWriter)
	}
	if cfg.EnableCache {
		w, err := cache.NewFromURL(cfg.Cache)
		if err != nil {
			return nil, err
		}
		cacheWriter = w
		writers = append(writers, cacheWriter)
	}

	rt := router.New()
	for _, ch := range preset.Channels {
		route := preset.Route(ch)
		if route.ToColumnar && columnarWriter != nil {
			rt.Bind(ch, columnarWriter)
		}
		if route.ToCache && cacheWriter != nil {
			rt.Bind(ch, cacheWriter)
		}
	}

	var meter metric.Meter
	if mp != nil {
		meter = mp.Meter("collector")
	}
	monitor := health.New(health.Config{
		Label:          preset.Label,
		Symbols:        len(symbols),
		Channels:       preset.Channels,
		LogInterval:    preset.LogInterval,
		KlineIntervalS: klineSeconds(preset.KlineInterval),
	}, meter)
	for _, w := range writers {
		monitor.RegisterWriter(w)
	}

	wsURL, ok := cfg.Exchange.WebsocketURLs[preset.Market]
	if !ok {
		return nil, errs.New("supervisor", errs.CodeInvalid,
			errs.WithMessage("no websocket url for market "+string(preset.Market)))
	}
	provider, err := binance.NewProvider(binance.Options{
		MarketType:    string(preset.Market),
		WebsocketURL:  wsURL,
		RESTURL:       cfg.Exchange.RESTURLs[preset.Market],
		Symbols:       symbols,
		Channels:      preset.Channels,
		DepthSpeed:    cfg.Exchange.DepthSpeed,
		KlineInterval: preset.KlineInterval,
		ReadTimeout:   cfg.Exchange.ReadTimeout,
		SnapshotDepth: cfg.Exchange.SnapshotDepth,
		FrameHook:     monitor.RecordFrame,
	})
	if err != nil {
		return nil, err
	}
	monitor.SetConnStats(func() []health.ConnStats {
		shards := provider.ShardStats()
		out := make([]health.ConnStats, 0, len(shards))
		for _, s := range shards {
			out = append(out, health.ConnStats{
				ID: s.ID, Streams: s.Streams,
				Messages: s.Messages, Connects: s.Connects, Drops: s.Drops,
			})
		}
		return out
	})

	return &Supervisor{
		runID:    uuid.NewString(),
		cfg:      cfg,
		preset:   preset,
		symbols:  symbols,
		provider: provider,
		router:   rt,
		monitor:  monitor,
		writers:  writers,
	}, nil
}

// Run executes the pipeline until ctx is cancelled, then shuts down in
// order: adapter first, drain the router, final-flush the writers.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := affinity.Pin(s.preset.AffinityCore); err != nil {
		observability.Log().Warn("cpu pin failed",
			observability.F("core", s.preset.AffinityCore),
			observability.F("error", err.Error()))
	}
	observability.Log().Info("supervisor starting",
		observability.F("run_id", s.runID),
		observability.F("preset", s.preset.ID),
		observability.F("symbols", len(s.symbols)),
		observability.F("channels", len(s.preset.Channels)),
		observability.F("writers", len(s.writers)))

	// Writers and monitor outlive the adapter so the drain can finish.
	tailCtx, tailCancel := context.WithCancel(context.Background())
	defer tailCancel()

	var tail conc.WaitGroup
	for _, w := range s.writers {
		writer := w
		tail.Go(func() {
			if err := writer.Run(tailCtx); err != nil {
				observability.Log().Error("writer stopped",
					observability.F("writer", writer.Name()),
					observability.F("error", err.Error()))
			}
		})
	}
	tail.Go(func() { _ = s.monitor.Run(tailCtx) })
	tail.Go(func() { s.housekeep(tailCtx) })

	var head conc.WaitGroup
	head.Go(func() { _ = s.provider.Run(ctx) })
	head.Go(func() {
		for err := range s.provider.Errors() {
			s.monitor.RecordError(err)
			observability.Log().Warn("adapter error", observability.F("error", err.Error()))
		}
	})
	head.Go(func() {
		for evt := range s.provider.Events() {
			if err := s.router.Publish(tailCtx, evt); err != nil {
				s.monitor.RecordError(err)
				observability.Log().Warn("publish failed",
					observability.F("channel", string(evt.Channel)),
					observability.F("error", err.Error()))
				continue
			}
			s.monitor.RecordRouted(evt)
		}
	})

	// The adapter closes its channels on cancellation; once the drain ends,
	// cancelling tailCtx triggers the writers' bounded final flush.
	head.Wait()
	tailCancel()
	tail.Wait()

	observability.Log().Info("supervisor stopped",
		observability.F("run_id", s.runID),
		observability.F("preset", s.preset.ID),
		observability.F("lost", s.provider.Lost()))
	return nil
}

// housekeep periodically logs routed totals and writer accounting.
func (s *Supervisor) housekeep(ctx context.Context) {
	interval := s.cfg.HousekeepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var routed uint64
			for _, n := range s.router.Routed() {
				routed += n
			}
			fields := []observability.Field{
				observability.F("run_id", s.runID),
				observability.F("routed", routed),
				observability.F("lost", s.provider.Lost()),
			}
			for _, w := range s.writers {
				stats := w.Stats()
				fields = append(fields,
					observability.F(w.Name()+"_events", stats.Events),
					observability.F(w.Name()+"_flush_failed", stats.FlushFailed))
			}
			observability.Log().Info("[housekeep] "+s.preset.Label, fields...)
		case <-ctx.Done():
			return
		}
	}
}

func klineSeconds(interval string) int {
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return 60
	}
	return int(d / time.Second)
}
