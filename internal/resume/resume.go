// Package resume turns logind sleep notifications into events for the
// control loop.
package resume

import (
	"time"
)

// Event is a sleep lifecycle transition.
type Event int

const (
	Sleeping Event = iota
	Resumed
)

func (e Event) String() string {
	if e == Sleeping {
		return "sleeping"
	}

	return "resumed"
}

// DefaultDebounce is the window in which repeated resume notifications
// collapse into one.
const DefaultDebounce = 2 * time.Second

// Debouncer lets through the first event of a burst.
type Debouncer struct {
	window time.Duration
	now    func() time.Time
	last   time.Time
	seen   bool
}

// NewDebouncer returns a Debouncer; now defaults to time.Now.
func NewDebouncer(window time.Duration, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}

	return &Debouncer{window: window, now: now}
}

// Allow reports whether an event arriving now should be acted on.
func (d *Debouncer) Allow() bool {
	t := d.now()
	if d.seen && t.Sub(d.last) < d.window {
		return false
	}

	d.seen = true
	d.last = t

	return true
}
