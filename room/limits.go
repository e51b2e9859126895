package room

import "time"

// Limits holds the per-connection protection thresholds enforced by the room
// actor.
type Limits struct {
	// MaxFrameBytes is the absolute per-frame cap; larger frames close the
	// connection with 1009.
	MaxFrameBytes int
	// MaxInvalidPackets is how many undecodable frames a connection may
	// send before it is closed with 1002.
	MaxInvalidPackets int
	// FloodWindow and MaxPerWindow bound decoded packets per connection
	// over a sliding window; exceeding closes with 1008.
	FloodWindow  time.Duration
	MaxPerWindow int
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:     14 << 20,
		MaxInvalidPackets: 2,
		FloodWindow:       15 * time.Second,
		MaxPerWindow:      512,
	}
}

type windowEvent struct {
	at time.Time
	n  int
}

// slidingWindow counts events over a trailing duration. Not safe for
// concurrent use; the room actor owns one per connection.
type slidingWindow struct {
	window time.Duration
	limit  int
	events []windowEvent
	total  int
}

func newSlidingWindow(window time.Duration, limit int) *slidingWindow {
	return &slidingWindow{window: window, limit: limit}
}

// add records n events at now and reports whether the trailing total exceeds
// the limit.
func (w *slidingWindow) add(now time.Time, n int) bool {
	cutoff := now.Add(-w.window)
	evicted := 0
	for evicted < len(w.events) && w.events[evicted].at.Before(cutoff) {
		w.total -= w.events[evicted].n
		evicted++
	}
	if evicted > 0 {
		w.events = append(w.events[:0], w.events[evicted:]...)
	}
	w.events = append(w.events, windowEvent{at: now, n: n})
	w.total += n
	return w.total > w.limit
}
