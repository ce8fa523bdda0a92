package sampler

import (
	"sync"
	"time"
)

// Sampler decides which frames are worth a classifier call.
type Sampler struct {
	interval int64
}

// New returns a sampler that passes every interval-th frame. Intervals below 1 pass every frame.
func New(interval int) *Sampler {
	if interval < 1 {
		interval = 1
	}
	return &Sampler{interval: int64(interval)}
}

// ShouldClassify reports whether frame seq (numbered from 0) is classified.
func (s *Sampler) ShouldClassify(seq int64) bool {
	return seq%s.interval == 0
}

// Interval returns the sampling interval.
func (s *Sampler) Interval() int {
	return int(s.interval)
}

// Accept reports whether a detection at now may be accepted given the last acceptance.
// A zero lastAccepted means nothing was accepted yet.
func Accept(now, lastAccepted time.Time, window time.Duration) bool {
	if lastAccepted.IsZero() || window <= 0 {
		return true
	}
	return now.Sub(lastAccepted) >= window
}

// Debouncer suppresses acceptances inside the cooldown window. With per-plate scope each
// plate identity has its own clock; otherwise one clock covers the whole lane.
type Debouncer struct {
	window   time.Duration
	perPlate bool

	mu   sync.Mutex
	last map[string]time.Time
}

func NewDebouncer(window time.Duration, perPlate bool) *Debouncer {
	return &Debouncer{
		window:   window,
		perPlate: perPlate,
		last:     make(map[string]time.Time),
	}
}

func (d *Debouncer) key(plate string) string {
	if d.perPlate {
		return plate
	}
	return ""
}

// Allow reports whether an acceptance for plate at now is outside the cooldown window.
func (d *Debouncer) Allow(now time.Time, plate string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Accept(now, d.last[d.key(plate)], d.window)
}

// Mark starts the cooldown clock for plate at now.
func (d *Debouncer) Mark(now time.Time, plate string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[d.key(plate)] = now

	// Expired per-plate clocks would otherwise accumulate for every plate ever seen.
	if d.perPlate && len(d.last) > 256 {
		for k, t := range d.last {
			if now.Sub(t) >= d.window {
				delete(d.last, k)
			}
		}
	}
}

// Cooling reports whether the whole lane is inside its cooldown window. Always false for
// per-plate scope, where the plate is unknown until after classification.
func (d *Debouncer) Cooling(now time.Time) bool {
	if d.perPlate {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !Accept(now, d.last[""], d.window)
}

// PerPlate reports the debounce scope.
func (d *Debouncer) PerPlate() bool {
	return d.perPlate
}

// Window returns the cooldown window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}
