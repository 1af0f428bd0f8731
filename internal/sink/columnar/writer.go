// Package columnar implements the batched analytics sink: per-table row
// buffers flushed as line-delimited JSON over HTTP.
package columnar

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
	"github.com/sourcegraph/conc"

	"github.com/quantfeeds/collector/config"
	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/observability"
	"github.com/quantfeeds/collector/internal/schema"
	"github.com/quantfeeds/collector/internal/sink"
)

const (
	flushRetryInitial = 100 * time.Millisecond
	flushRetryFactor  = 4
	flushRetryBudget  = 3
	maxInflight       = 4
	finalFlushBudget  = 5 * time.Second
)

// Writer batches rows per channel and posts each batch to the channel's
// table with INSERT ... FORMAT JSONEachRow. A buffer flushes when it reaches
// BatchRows or on the timed flush loop, whichever comes first. A batch that
// exhausts its retry budget is dropped and accounted under flush_failed.
type Writer struct {
	cfg    config.ColumnarSettings
	client *http.Client

	mu      sync.Mutex
	buffers map[string][][]byte
	written map[string]uint64
	flushed map[string]uint64

	events      uint64
	flushFailed uint64

	inflight chan struct{}
	wg       conc.WaitGroup
}

// New constructs a columnar writer from settings.
func New(cfg config.ColumnarSettings) *Writer {
	timeout := cfg.InsertTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := new(http.Client)
	client.Timeout = timeout
	return &Writer{
		cfg:      cfg,
		client:   client,
		buffers:  make(map[string][][]byte),
		written:  make(map[string]uint64),
		flushed:  make(map[string]uint64),
		inflight: make(chan struct{}, maxInflight),
	}
}

// Name identifies the writer in logs and health lines.
func (w *Writer) Name() string { return "columnar" }

// Enqueue converts the event to a row and appends it to the channel buffer.
// Reaching BatchRows hands the full buffer to an async flush; the handoff
// blocks while every flush slot is busy, so a slow sink suspends the
// producer instead of buffering without bound.
func (w *Writer) Enqueue(ctx context.Context, evt *schema.Event) error {
	table, row := RowFor(evt)
	if table == "" {
		return errs.New("columnar", errs.CodeInvalid,
			errs.WithMessage("no table mapping for channel "+string(evt.Channel)))
	}
	line, err := json.Marshal(row)
	if err != nil {
		return errs.New("columnar", errs.CodeParse,
			errs.WithMessage("encode row for "+table), errs.WithCause(err))
	}

	key := string(evt.Channel)
	var full [][]byte
	w.mu.Lock()
	w.events++
	w.written[key]++
	w.buffers[key] = append(w.buffers[key], line)
	if len(w.buffers[key]) >= w.cfg.BatchRows {
		full = w.buffers[key]
		w.buffers[key] = nil
	}
	w.mu.Unlock()

	if full != nil {
		w.scheduleFlush(ctx, key, full)
	}
	return nil
}

// Flush drains every non-empty buffer synchronously.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := make(map[string][][]byte, len(w.buffers))
	for table, rows := range w.buffers {
		if len(rows) > 0 {
			pending[table] = rows
			w.buffers[table] = nil
		}
	}
	w.mu.Unlock()

	var firstErr error
	for channel, rows := range pending {
		if err := w.flushRows(ctx, channel, rows); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run owns the timed flush loop. On cancellation it performs a final flush
// bounded by the shutdown budget and waits for in-flight batches.
func (w *Writer) Run(ctx context.Context) error {
	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				observability.Log().Error("columnar flush", observability.F("error", err.Error()))
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalFlushBudget)
			err := w.Flush(finalCtx)
			w.wg.Wait()
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

// scheduleFlush hands a full batch to a worker. The flush slot is acquired
// on the caller's goroutine, so Enqueue suspends while the sink is saturated
// and the number of in-flight batches stays bounded.
func (w *Writer) scheduleFlush(ctx context.Context, channel string, rows [][]byte) {
	select {
	case w.inflight <- struct{}{}:
	case <-ctx.Done():
		err := w.dropBatch(channel, ctx.Err())
		observability.Log().Error("columnar flush",
			observability.F("channel", channel),
			observability.F("rows", len(rows)),
			observability.F("error", err.Error()))
		return
	}
	w.wg.Go(func() {
		defer func() { <-w.inflight }()
		if err := w.deliver(ctx, channel, rows); err != nil {
			observability.Log().Error("columnar flush",
				observability.F("channel", channel),
				observability.F("rows", len(rows)),
				observability.F("error", err.Error()))
		}
	})
}

// flushRows posts one batch synchronously, waiting for a flush slot first.
func (w *Writer) flushRows(ctx context.Context, channel string, rows [][]byte) error {
	if len(rows) == 0 {
		return nil
	}
	select {
	case w.inflight <- struct{}{}:
	case <-ctx.Done():
		return w.dropBatch(channel, ctx.Err())
	}
	defer func() { <-w.inflight }()
	return w.deliver(ctx, channel, rows)
}

// deliver posts one batch, retrying on transport errors and non-2xx with
// 100ms/400ms/1.6s delays. The batch is dropped after the final failure.
func (w *Writer) deliver(ctx context.Context, channel string, rows [][]byte) error {
	body := bytes.Join(rows, []byte{'\n'})

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = flushRetryInitial
	retry.Multiplier = flushRetryFactor
	retry.RandomizationFactor = 0
	retry.MaxInterval = flushRetryInitial * time.Duration(flushRetryFactor*flushRetryFactor)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = w.post(ctx, channel, body)
		if lastErr == nil {
			w.mu.Lock()
			w.flushed[channel] += uint64(len(rows))
			w.mu.Unlock()
			return nil
		}
		if attempt >= flushRetryBudget {
			break
		}
		cancelled := false
		select {
		case <-time.After(retry.NextBackOff()):
		case <-ctx.Done():
			lastErr = ctx.Err()
			cancelled = true
		}
		if cancelled {
			break
		}
	}

	return w.dropBatch(channel, lastErr)
}

// dropBatch accounts one discarded batch under flush_failed.
func (w *Writer) dropBatch(channel string, cause error) error {
	w.mu.Lock()
	w.flushFailed++
	w.mu.Unlock()
	return errs.New("columnar", errs.CodeUnavailable,
		errs.WithCanonicalCode(errs.CanonicalFlushFailed),
		errs.WithMessage("batch dropped for "+channel),
		errs.WithCause(cause))
}

func (w *Writer) post(ctx context.Context, channel string, body []byte) error {
	table := TableFor(schema.Channel(channel))
	if table == "" {
		table = channel
	}
	query := "INSERT INTO " + w.cfg.Database + "." + table + " FORMAT JSONEachRow"
	endpoint := strings.TrimRight(w.cfg.URL, "/") + "/?query=" + url.QueryEscape(query)

	payload := body
	compressed := strings.EqualFold(w.cfg.Compression, "lz4")
	if compressed {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return errs.New("columnar", errs.CodeInvalid,
				errs.WithMessage("lz4 compress"), errs.WithCause(err))
		}
		if err := zw.Close(); err != nil {
			return errs.New("columnar", errs.CodeInvalid,
				errs.WithMessage("lz4 close"), errs.WithCause(err))
		}
		payload = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errs.New("columnar", errs.CodeInvalid,
			errs.WithMessage("create insert request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if compressed {
		req.Header.Set("Content-Encoding", "lz4")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errs.New("columnar", errs.CodeNetwork,
			errs.WithMessage("post insert"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New("columnar", errs.CodeUnavailable,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage("insert rejected"))
	}
	return nil
}
