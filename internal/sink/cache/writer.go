package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfeeds/collector/config"
	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/observability"
	"github.com/quantfeeds/collector/internal/schema"
	"github.com/quantfeeds/collector/internal/sink"
)

const (
	defaultNamespace = "marketdata"
	finalFlushBudget = 5 * time.Second
)

// Writer batches cache commands and dispatches them as one non-transactional
// pipeline when PipelineSize is reached or the flush interval elapses. A
// failed pipeline loses its commands: cache data is ephemeral by design and
// is never retried.
type Writer struct {
	client    redis.Cmdable
	cfg       config.CacheSettings
	namespace string

	mu      sync.Mutex
	buffer  []Command
	events  uint64
	written map[string]uint64
	flushed map[string]uint64

	flushFailed uint64
}

// New constructs a cache writer around an existing client.
func New(client redis.Cmdable, cfg config.CacheSettings) *Writer {
	return &Writer{
		client:    client,
		cfg:       cfg,
		namespace: defaultNamespace,
		written:   make(map[string]uint64),
		flushed:   make(map[string]uint64),
	}
}

// NewFromURL dials the configured cache endpoint and wraps it in a writer.
func NewFromURL(cfg config.CacheSettings) (*Writer, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errs.New("cache", errs.CodeInvalid,
			errs.WithMessage("parse cache url"), errs.WithCause(err))
	}
	opts.PoolSize = 10
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	return New(redis.NewClient(opts), cfg), nil
}

// Name identifies the writer in logs and health lines.
func (w *Writer) Name() string { return "cache" }

// Enqueue buffers the event's commands; a full buffer flushes inline so the
// producer backpressures instead of growing the queue.
func (w *Writer) Enqueue(ctx context.Context, evt *schema.Event) error {
	commands := BuildCommands(w.namespace, w.cfg.StreamMaxLen, evt)
	if len(commands) == 0 {
		return nil
	}

	w.mu.Lock()
	w.events++
	for _, cmd := range commands {
		if cmd.Counted {
			w.written[string(cmd.Channel)]++
		}
	}
	w.buffer = append(w.buffer, commands...)
	full := len(w.buffer) >= w.cfg.PipelineSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush dispatches the buffered commands as one pipeline.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	buffered := w.buffer
	w.buffer = nil
	w.mu.Unlock()
	if len(buffered) == 0 {
		return nil
	}

	timeout := w.cfg.PipelineTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pipeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := w.client.Pipelined(pipeCtx, func(pipe redis.Pipeliner) error {
		for _, cmd := range buffered {
			switch cmd.Kind {
			case KindHSet:
				pipe.HSet(pipeCtx, cmd.Key, cmd.Args()...)
			case KindXAdd:
				pipe.XAdd(pipeCtx, &redis.XAddArgs{
					Stream: cmd.Key,
					MaxLen: cmd.MaxLen,
					Approx: true,
					Values: cmd.Args(),
				})
			case KindExpire:
				pipe.Expire(pipeCtx, cmd.Key, cmd.TTL)
			}
		}
		return nil
	})
	if err != nil {
		w.mu.Lock()
		w.flushFailed++
		w.mu.Unlock()
		return errs.New("cache", errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalFlushFailed),
			errs.WithMessage("pipeline failed"), errs.WithCause(err))
	}

	w.mu.Lock()
	for _, cmd := range buffered {
		if cmd.Counted {
			w.flushed[string(cmd.Channel)]++
		}
	}
	w.mu.Unlock()
	return nil
}

// Run owns the timed flush loop; on cancellation it performs a final flush
// bounded by the shutdown budget.
func (w *Writer) Run(ctx context.Context) error {
	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				observability.Log().Warn("cache flush", observability.F("error", err.Error()))
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalFlushBudget)
			err := w.Flush(finalCtx)
			cancel()
			return err
		}
	}
}

// Stats snapshots the per-channel delivery accounting.
func (w *Writer) Stats() sink.Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	written := make(map[string]uint64, len(w.written))
	for k, v := range w.written {
		written[k] = v
	}
	flushed := make(map[string]uint64, len(w.flushed))
	for k, v := range w.flushed {
		flushed[k] = v
	}
	return sink.Stats{
		Events:      w.events,
		Written:     written,
		Flushed:     flushed,
		FlushFailed: w.flushFailed,
	}
}
