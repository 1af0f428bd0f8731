package binance

import (
	"time"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/clock"
	"github.com/quantfeeds/collector/internal/schema"
)

const defaultQueueSize = 4096

// Options describes one provider instance: which venue endpoints to use,
// which instruments and channels to collect, and how the stream templates
// are parameterised.
type Options struct {
	Exchange      string
	MarketType    string
	WebsocketURL  string
	RESTURL       string
	Symbols       []string
	Channels      []schema.Channel
	DepthSpeed    string
	KlineInterval string
	ReadTimeout   time.Duration
	SnapshotDepth int
	QueueSize     int

	// FrameHook, when set, observes every accepted WebSocket frame tagged
	// with the subscription channel of the shard that read it.
	FrameHook func(schema.Channel)

	// Now overrides the clock in tests.
	Now clock.NowFunc
	// Fetcher overrides the REST snapshot source in tests.
	Fetcher SnapshotFetcher
}

func (o *Options) normalize() error {
	if o.Exchange == "" {
		o.Exchange = "binance"
	}
	if o.MarketType == "" {
		o.MarketType = "perp_linear"
	}
	if o.WebsocketURL == "" {
		return errs.New(o.Exchange, errs.CodeInvalid, errs.WithMessage("websocket url required"))
	}
	if len(o.Symbols) == 0 {
		return errs.New(o.Exchange, errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}
	for _, sym := range o.Symbols {
		if err := schema.ValidateInstrument(sym); err != nil {
			return err
		}
	}
	if len(o.Channels) == 0 {
		return errs.New(o.Exchange, errs.CodeInvalid, errs.WithMessage("at least one channel required"))
	}
	for _, ch := range o.Channels {
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	if o.DepthSpeed == "" {
		o.DepthSpeed = "100ms"
	}
	if o.KlineInterval == "" {
		o.KlineInterval = "1m"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Now == nil {
		o.Now = clock.Now
	}
	return nil
}

func (o *Options) wants(ch schema.Channel) bool {
	for _, c := range o.Channels {
		if c == ch {
			return true
		}
	}
	return false
}
