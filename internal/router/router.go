// Package router dispatches canonical events to the configured writers.
package router

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/quantfeeds/collector/internal/schema"
	"github.com/quantfeeds/collector/internal/sink"
)

// Router routes events by channel tag to zero, one, or two writers. It holds
// no event buffers of its own; enqueue backpressure propagates to the caller.
type Router struct {
	mu       sync.RWMutex
	bindings map[schema.Channel][]sink.Writer
	routed   map[schema.Channel]*atomic.Uint64
}

// New creates an empty router.
func New() *Router {
	return &Router{
		bindings: make(map[schema.Channel][]sink.Writer),
		routed:   make(map[schema.Channel]*atomic.Uint64),
	}
}

// Bind attaches a writer to a channel. Bind is not safe to call concurrently
// with Publish; wiring happens before ingest starts.
func (r *Router) Bind(ch schema.Channel, w sink.Writer) {
	if w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[ch] = append(r.bindings[ch], w)
	if _, ok := r.routed[ch]; !ok {
		r.routed[ch] = new(atomic.Uint64)
	}
}

// Bindings returns the writers attached to a channel.
func (r *Router) Bindings(ch schema.Channel) []sink.Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[ch]
}

// Writers returns the distinct writer set across all bindings.
func (r *Router) Writers() []sink.Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[sink.Writer]struct{})
	var out []sink.Writer
	for _, ws := range r.bindings {
		for _, w := range ws {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

// Publish hands the event to every writer bound to its channel. Events on
// unbound channels are silently discarded. Each enqueue may block; within one
// (instrument, channel) stream delivery order equals publish order.
func (r *Router) Publish(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	r.mu.RLock()
	writers := r.bindings[evt.Channel]
	counter := r.routed[evt.Channel]
	r.mu.RUnlock()
	if len(writers) == 0 {
		return nil
	}
	counter.Add(1)
	for _, w := range writers {
		if err := w.Enqueue(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Routed returns the number of events published per channel.
func (r *Router) Routed() map[schema.Channel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[schema.Channel]uint64, len(r.routed))
	for ch, c := range r.routed {
		out[ch] = c.Load()
	}
	return out
}
