package core

import (
	"sync"
	"time"
)

// SlidingWindow keeps an oldest-first queue of event timestamps per key.
// Expired entries are trimmed lazily from the front on read, so each
// timestamp is dropped at most once. Trimming is destructive, so an
// instance should be queried with a single window size per key.
type SlidingWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
	clock  Clock
}

// NewSlidingWindow creates an empty window counter.
func NewSlidingWindow(clock Clock) *SlidingWindow {
	if clock == nil {
		clock = SystemClock
	}
	return &SlidingWindow{
		events: make(map[string][]time.Time),
		clock:  clock,
	}
}

// Add records an event for key at t. Out-of-order timestamps are clamped
// to the newest recorded one to keep the queue sorted.
func (sw *SlidingWindow) Add(key string, t time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	queue := sw.events[key]
	if n := len(queue); n > 0 && t.Before(queue[n-1]) {
		t = queue[n-1]
	}
	sw.events[key] = append(queue, t)
}

// CountInWindow returns the number of events for key within
// [now-window, now].
func (sw *SlidingWindow) CountInWindow(key string, window time.Duration) int {
	return sw.CountAt(key, window, sw.clock())
}

// CountAt is CountInWindow evaluated at an explicit instant.
func (sw *SlidingWindow) CountAt(key string, window time.Duration, now time.Time) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	queue := sw.trim(key, now.Add(-window))
	count := 0
	for i := len(queue) - 1; i >= 0; i-- {
		if queue[i].After(now) {
			continue
		}
		count = i + 1
		break
	}
	return count
}

// RetryAfter returns how long until the oldest in-window event for key
// leaves a window of the given size.
func (sw *SlidingWindow) RetryAfter(key string, window time.Duration, now time.Time) time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	queue := sw.trim(key, now.Add(-window))
	if len(queue) == 0 {
		return 0
	}
	wait := queue[0].Add(window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// trim drops timestamps strictly before cutoff. Must be called with sw.mu held.
func (sw *SlidingWindow) trim(key string, cutoff time.Time) []time.Time {
	queue, ok := sw.events[key]
	if !ok {
		return nil
	}

	i := 0
	for i < len(queue) && queue[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		queue = queue[i:]
		if len(queue) == 0 {
			// Keep the key so Cleanup sees it as idle rather than absent.
			queue = queue[:0:0]
		}
		sw.events[key] = queue
	}
	return queue
}

// ActiveSince counts keys with at least one event at or after since.
func (sw *SlidingWindow) ActiveSince(since time.Time) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	active := 0
	for _, queue := range sw.events {
		if n := len(queue); n > 0 && !queue[n-1].Before(since) {
			active++
		}
	}
	return active
}

// Cleanup removes keys whose newest event predates before, and trims
// older events from the rest. Returns the number of keys removed.
func (sw *SlidingWindow) Cleanup(before time.Time) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	removed := 0
	for key := range sw.events {
		queue := sw.trim(key, before)
		if len(queue) == 0 {
			delete(sw.events, key)
			removed++
		}
	}
	return removed
}

// Delete forgets every event for key.
func (sw *SlidingWindow) Delete(key string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	_, ok := sw.events[key]
	delete(sw.events, key)
	return ok
}

// Len returns the number of tracked keys.
func (sw *SlidingWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.events)
}
