// Package sink defines the contract shared by the columnar and cache writers.
package sink

import (
	"context"

	"github.com/quantfeeds/collector/internal/schema"
)

// Writer accepts canonical events and delivers them to one outbound store.
// Enqueue may block when the writer's buffers are full; it never drops.
// Run owns the timed flush loop and returns only after a final flush once
// ctx is cancelled.
type Writer interface {
	Name() string
	Enqueue(ctx context.Context, evt *schema.Event) error
	Flush(ctx context.Context) error
	Run(ctx context.Context) error
	Stats() Stats
}

// Stats is a point-in-time snapshot of a writer's delivery accounting.
// Written and Flushed are keyed by channel for both writers so the health
// monitor can sum them. Loss must be computed within one key, never across
// keys.
type Stats struct {
	Events      uint64
	Written     map[string]uint64
	Flushed     map[string]uint64
	FlushFailed uint64
}

// Pending returns written-minus-flushed for one destination key.
func (s Stats) Pending(key string) uint64 {
	w := s.Written[key]
	f := s.Flushed[key]
	if f >= w {
		return 0
	}
	return w - f
}
