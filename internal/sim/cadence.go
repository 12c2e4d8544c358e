package sim

import "time"

// Cadence decides when a device reports its position: every Interval, or
// sooner once it has moved Distance meters since the last report.
type Cadence struct {
	Interval time.Duration
	Distance float64

	last   time.Time
	lastAt Point
	primed bool
}

// DefaultCadence reports every 5 s or 10 m moved, whichever comes first.
func DefaultCadence() *Cadence {
	return &Cadence{Interval: 5 * time.Second, Distance: 10}
}

// Due reports whether a fix at p, now, should be sent.
func (c *Cadence) Due(now time.Time, p Point) bool {
	if !c.primed {
		return true
	}
	if c.Interval > 0 && now.Sub(c.last) >= c.Interval {
		return true
	}
	return c.Distance > 0 && Distance(c.lastAt, p) >= c.Distance
}

// Mark records a fix as sent.
func (c *Cadence) Mark(now time.Time, p Point) {
	c.last, c.lastAt, c.primed = now, p, true
}
