// Package randsrc provides the uniform random sources used by the simulations.
package randsrc

import (
	"math/rand/v2"
	"sync"
)

// Source yields uniform values in [0,1).
type Source interface {
	Float64() float64
}

type global struct{}

func (global) Float64() float64 { return rand.Float64() }

// Global is the process-wide, non-deterministic source.
var Global Source = global{}

// Seeded is a deterministic source that is safe for concurrent use.
type Seeded struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSeeded(seed uint64) *Seeded {
	return &Seeded{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Seeded) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Uniform draws from [lo, hi).
func Uniform(src Source, lo, hi float64) float64 {
	return lo + src.Float64()*(hi-lo)
}

// Fixed replays values in order and then repeats the last one. Tests use it to
// force specific draws.
type Fixed struct {
	mu     sync.Mutex
	values []float64
	next   int
}

func NewFixed(values ...float64) *Fixed {
	return &Fixed{values: values}
}

func (f *Fixed) Float64() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.values) == 0 {
		return 0
	}
	if f.next >= len(f.values) {
		return f.values[len(f.values)-1]
	}
	v := f.values[f.next]
	f.next++
	return v
}
