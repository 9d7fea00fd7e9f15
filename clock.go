package tchannel

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is the sole seam for time in this package (spec.md §5): "now" and a
// recurring single-shot timer. Tests can inject their own Clock to drive the
// timeout sweep deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the sweep needs.
type Timer interface {
	Stop() bool
}

// Random is the sole seam for nondeterminism beyond time (spec.md §5),
// used to fuzz the sweep interval.
type Random interface {
	Float64() float64
}

// realClock delegates to the standard library.
type realClock struct{}

// NewRealClock returns the default, wall-clock-backed Clock.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// realRandom delegates to math/rand with its own source, so concurrent
// connections don't contend on the global rand lock.
type realRandom struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewRealRandom returns the default Random, seeded from the wall clock.
func NewRealRandom() Random {
	return &realRandom{src: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *realRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}

// sweepInterval computes base ± fuzz/2, per spec.md §4.4.
func sweepInterval(base, fuzz time.Duration, rnd Random) time.Duration {
	if fuzz <= 0 {
		return base
	}
	half := float64(fuzz) / 2
	offset := (rnd.Float64()*2 - 1) * half
	return base + time.Duration(offset)
}
