// Package clock centralises the nanosecond time source and window math.
package clock

import "time"

// NowFunc supplies nanoseconds since the epoch; injected where tests need a
// deterministic clock.
type NowFunc func() int64

// Now returns the current wall-clock time in nanoseconds since the epoch.
func Now() int64 {
	return time.Now().UnixNano()
}

// Align floors ts onto the grid defined by interval. Both are nanoseconds.
func Align(ts, interval int64) int64 {
	if interval <= 0 {
		return ts
	}
	return ts - ts%interval
}

// WindowInterval5s is the aggregation grid for the 5-second trade roller.
const WindowInterval5s = int64(5 * time.Second)
