// Package config centralises runtime configuration for the collector.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfeeds/collector/errs"
)

// MarketType identifies the venue market segment a preset ingests.
type MarketType string

const (
	// MarketSpot is the spot market.
	MarketSpot MarketType = "spot"
	// MarketPerpLinear is the USD(T)-margined perpetual market.
	MarketPerpLinear MarketType = "perp_linear"
	// MarketPerpInverse is the coin-margined perpetual market.
	MarketPerpInverse MarketType = "perp_inverse"
)

// SinkSelection names the sink set a process writes to.
type SinkSelection string

const (
	// SinksColumnar writes to the columnar store only.
	SinksColumnar SinkSelection = "columnar"
	// SinksCache writes to the cache only.
	SinksCache SinkSelection = "cache"
	// SinksBoth writes to both sinks.
	SinksBoth SinkSelection = "both"
)

// ColumnarSettings configures the batched analytics sink.
type ColumnarSettings struct {
	URL           string        `yaml:"url"`
	Database      string        `yaml:"database"`
	BatchRows     int           `yaml:"batch_rows"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// CacheSettings configures the pipelined KV sink.
type CacheSettings struct {
	URL             string        `yaml:"url"`
	PipelineSize    int           `yaml:"pipeline_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	StreamMaxLen    int64         `yaml:"stream_maxlen"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
}

// ExchangeSettings aggregates venue transport endpoints.
type ExchangeSettings struct {
	WebsocketURLs map[MarketType]string `yaml:"websocket_urls"`
	RESTURLs      map[MarketType]string `yaml:"rest_urls"`
	DepthSpeed    string                `yaml:"depth_speed"`
	ReadTimeout   time.Duration         `yaml:"read_timeout"`
	SnapshotDepth int                   `yaml:"snapshot_depth"`
}

// TelemetrySettings configures optional OTLP metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings contains the configuration tree loaded from defaults, an optional
// YAML document, and environment overrides.
type Settings struct {
	Columnar          ColumnarSettings  `yaml:"columnar"`
	Cache             CacheSettings     `yaml:"cache"`
	Exchange          ExchangeSettings  `yaml:"exchange"`
	Telemetry         TelemetrySettings `yaml:"telemetry"`
	EnableColumnar    bool              `yaml:"enable_columnar"`
	EnableCache       bool              `yaml:"enable_cache"`
	HousekeepInterval time.Duration     `yaml:"housekeep_interval"`
	LogLevel          string            `yaml:"log_level"`
}

// Default returns the baseline collector configuration.
func Default() Settings {
	return Settings{
		Columnar: ColumnarSettings{
			URL:           "http://localhost:8123",
			Database:      "marketdata",
			BatchRows:     5000,
			FlushInterval: 250 * time.Millisecond,
			Compression:   "lz4",
			InsertTimeout: 10 * time.Second,
		},
		Cache: CacheSettings{
			URL:             "redis://localhost:6379/0",
			PipelineSize:    200,
			FlushInterval:   50 * time.Millisecond,
			StreamMaxLen:    1000,
			PipelineTimeout: 3 * time.Second,
		},
		Exchange: ExchangeSettings{
			WebsocketURLs: map[MarketType]string{
				MarketSpot:        "wss://stream.binance.com:9443",
				MarketPerpLinear:  "wss://fstream.binance.com",
				MarketPerpInverse: "wss://dstream.binance.com",
			},
			RESTURLs: map[MarketType]string{
				MarketSpot:        "https://api.binance.com",
				MarketPerpLinear:  "https://fapi.binance.com",
				MarketPerpInverse: "https://dapi.binance.com",
			},
			DepthSpeed:    "100ms",
			ReadTimeout:   60 * time.Second,
			SnapshotDepth: 1000,
		},
		Telemetry:         TelemetrySettings{OTLPEndpoint: "", ServiceName: "collector"},
		EnableColumnar:    true,
		EnableCache:       true,
		HousekeepInterval: 30 * time.Second,
		LogLevel:          "info",
	}
}

// FromYAML loads a settings document and overlays it on the defaults.
func FromYAML(path string) (Settings, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.New("config", errs.CodeInvalid,
			errs.WithMessage("read config file"), errs.WithCause(err))
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errs.New("config", errs.CodeInvalid,
			errs.WithMessage("decode config file"), errs.WithCause(err))
	}
	return cfg, nil
}

// FromEnv loads configuration values from environment variables, overriding
// the provided base.
func FromEnv(base Settings) Settings {
	cfg := base.clone()
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_COLUMNAR_URL")); v != "" {
		cfg.Columnar.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_COLUMNAR_DB")); v != "" {
		cfg.Columnar.Database = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_CACHE_URL")); v != "" {
		cfg.Cache.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_BATCH_ROWS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Columnar.BatchRows = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_PIPELINE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.PipelineSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_WS_URL")); v != "" {
		cfg.Exchange.WebsocketURLs[MarketPerpLinear] = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_REST_URL")); v != "" {
		cfg.Exchange.RESTURLs[MarketPerpLinear] = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithSinks enables the sinks named by the selection.
func WithSinks(sel SinkSelection) Option {
	return func(s *Settings) {
		s.EnableColumnar = sel == SinksColumnar || sel == SinksBoth
		s.EnableCache = sel == SinksCache || sel == SinksBoth
	}
}

// WithColumnarBatch overrides the columnar batching parameters.
func WithColumnarBatch(rows int, interval time.Duration) Option {
	return func(s *Settings) {
		if rows > 0 {
			s.Columnar.BatchRows = rows
		}
		if interval > 0 {
			s.Columnar.FlushInterval = interval
		}
	}
}

// WithCachePipeline overrides the cache pipelining parameters.
func WithCachePipeline(size int, interval time.Duration) Option {
	return func(s *Settings) {
		if size > 0 {
			s.Cache.PipelineSize = size
		}
		if interval > 0 {
			s.Cache.FlushInterval = interval
		}
	}
}

// Validate rejects configurations that must fail before any socket opens.
func (s Settings) Validate() error {
	if !s.EnableColumnar && !s.EnableCache {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("no sink enabled"))
	}
	if s.EnableColumnar {
		if strings.TrimSpace(s.Columnar.URL) == "" {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("columnar url required"))
		}
		if s.Columnar.BatchRows < 1 {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("columnar batch_rows must be >= 1"))
		}
		if s.Columnar.FlushInterval < 10*time.Millisecond {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("columnar flush_interval must be >= 10ms"))
		}
	}
	if s.EnableCache {
		if strings.TrimSpace(s.Cache.URL) == "" {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("cache url required"))
		}
		if s.Cache.PipelineSize < 1 {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("cache pipeline_size must be >= 1"))
		}
		if s.Cache.FlushInterval < 5*time.Millisecond {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("cache flush_interval must be >= 5ms"))
		}
	}
	if s.HousekeepInterval < 5*time.Second {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("housekeep_interval must be >= 5s"))
	}
	return nil
}

func (s Settings) clone() Settings {
	out := s
	out.Exchange.WebsocketURLs = make(map[MarketType]string, len(s.Exchange.WebsocketURLs))
	for k, v := range s.Exchange.WebsocketURLs {
		out.Exchange.WebsocketURLs[k] = v
	}
	out.Exchange.RESTURLs = make(map[MarketType]string, len(s.Exchange.RESTURLs))
	for k, v := range s.Exchange.RESTURLs {
		out.Exchange.RESTURLs[k] = v
	}
	return out
}
