// Package timers provides the per-correspondent inactivity timer registry.
//
// Each key owns at most one pair of delayed actions: a warning fired after
// the warning delay and a reset fired after the warning delay plus the reset
// delay. Arming a key always stops its previous pair first. Every pair gets a
// generation stamp; actions receive the Handle they were armed with and must
// check IsCurrent before acting, so a callback that was already running when
// its pair got replaced does nothing.
package timers

import (
	"sync"
	"time"
)

const (
	// DefaultWarningDelay is the silence before the inactivity warning.
	DefaultWarningDelay = 2 * time.Minute
	// DefaultResetDelay is the silence after the warning before the chat resets.
	DefaultResetDelay = 2 * time.Minute
)

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

// Handle identifies one armed pair.
type Handle struct {
	Key string
	Gen uint64
}

// Action is run when a timer of an armed pair fires.
type Action func(Handle)

type pair struct {
	gen     uint64
	warning Timer
	reset   Timer
}

func (p *pair) stop() {
	p.warning.Stop()
	p.reset.Stop()
}

// Registry holds the armed timer pairs keyed by correspondent.
type Registry struct {
	mu           sync.Mutex
	pairs        map[string]*pair
	gen          uint64
	warningDelay time.Duration
	resetDelay   time.Duration
	clock        Clock
}

// NewRegistry creates a registry. Non-positive delays fall back to the defaults
// and a nil clock uses real time.
func NewRegistry(warningDelay, resetDelay time.Duration, clock Clock) *Registry {
	if warningDelay <= 0 {
		warningDelay = DefaultWarningDelay
	}
	if resetDelay <= 0 {
		resetDelay = DefaultResetDelay
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Registry{
		pairs:        make(map[string]*pair),
		warningDelay: warningDelay,
		resetDelay:   resetDelay,
		clock:        clock,
	}
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Delays returns the warning delay and the reset delay.
func (r *Registry) Delays() (warning, reset time.Duration) {
	return r.warningDelay, r.resetDelay
}

// Arm cancels any pair armed for key and schedules a new one measured from now.
func (r *Registry) Arm(key string, onWarning, onReset Action) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.pairs[key]; ok {
		old.stop()
	}

	r.gen++
	h := Handle{Key: key, Gen: r.gen}
	r.pairs[key] = &pair{
		gen:     h.Gen,
		warning: r.clock.AfterFunc(r.warningDelay, func() { onWarning(h) }),
		reset:   r.clock.AfterFunc(r.warningDelay+r.resetDelay, func() { onReset(h) }),
	}
	return h
}

// IsCurrent reports whether h is still the armed pair for its key.
func (r *Registry) IsCurrent(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[h.Key]
	return ok && p.gen == h.Gen
}

// Release stops and forgets the pair identified by h if it is still current.
func (r *Registry) Release(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[h.Key]
	if !ok || p.gen != h.Gen {
		return false
	}
	p.stop()
	delete(r.pairs, h.Key)
	return true
}

// Cancel stops and forgets whatever pair is armed for key.
func (r *Registry) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pairs[key]; ok {
		p.stop()
		delete(r.pairs, key)
	}
}

// CancelAll stops every armed pair and returns how many there were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pairs)
	for key, p := range r.pairs {
		p.stop()
		delete(r.pairs, key)
	}
	return n
}

// Len returns the number of armed pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}
