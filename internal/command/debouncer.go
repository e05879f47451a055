package command

import (
	"sync"
	"time"
)

// Debouncer drops repeats of the same key within a time window.
type Debouncer struct {
	window time.Duration
	seen   map[string]time.Time
	mu     sync.Mutex
	now    func() time.Time
}

// NewDebouncer creates a debouncer. A zero window lets everything through.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// ShouldProcess returns true if key was not seen within the window and records it.
func (d *Debouncer) ShouldProcess(key string) bool {
	if d.window <= 0 {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.window {
		return false
	}

	d.seen[key] = now
	d.cleanup(now)
	return true
}

// cleanup forgets keys older than twice the window. Caller holds mu.
func (d *Debouncer) cleanup(now time.Time) {
	threshold := now.Add(-d.window * 2)
	for key, t := range d.seen {
		if t.Before(threshold) {
			delete(d.seen, key)
		}
	}
}
