// Package sampling provides the random draws used by the simulation:
// binomial and beta samples, uniform variates and random permutations.
//
// All draws go through the Sampler interface so that the clone update and
// the treatment response can be driven by a scripted MockSampler in tests.
package sampling

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler is the source of every random number in a simulation run.
type Sampler interface {
	// Binomial returns the number of successes in n trials with success
	// probability p. Degenerate parameters yield 0 (n <= 0, p <= 0, NaN)
	// or n (p >= 1); it never fails.
	Binomial(n int, p float64) int

	// Beta returns a sample from Beta(alpha, beta). Non-positive
	// parameters yield 0.
	Beta(alpha, beta float64) float64

	// Uniform returns a uniform variate in [0, 1).
	Uniform() float64

	// Perm returns a random permutation of [0, n).
	Perm(n int) []int
}

// GonumSampler draws from gonum's distuv distributions over a single
// PCG stream. It is not safe for concurrent use; a simulation run is
// strictly sequential.
type GonumSampler struct {
	src rand.Source
	rng *rand.Rand
}

// NewSampler creates a sampler seeded with seed. A zero seed is replaced
// by the current time so that successive runs differ.
func NewSampler(seed uint64) *GonumSampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &GonumSampler{src: src, rng: rand.New(src)}
}

// Binomial implements Sampler.
func (g *GonumSampler) Binomial(n int, p float64) int {
	if n <= 0 || math.IsNaN(p) || p <= 0 {
		return 0
	}
	if p >= 1 {
		return n
	}
	d := distuv.Binomial{N: float64(n), P: p, Src: g.src}
	k := int(d.Rand())
	// guard against rounding at the edges of the support
	if k < 0 {
		return 0
	}
	if k > n {
		return n
	}
	return k
}

// Beta implements Sampler.
func (g *GonumSampler) Beta(alpha, beta float64) float64 {
	if !(alpha > 0) || !(beta > 0) {
		return 0
	}
	d := distuv.Beta{Alpha: alpha, Beta: beta, Src: g.src}
	return d.Rand()
}

// Uniform implements Sampler.
func (g *GonumSampler) Uniform() float64 {
	return g.rng.Float64()
}

// Perm implements Sampler.
func (g *GonumSampler) Perm(n int) []int {
	if n <= 0 {
		return nil
	}
	return g.rng.Perm(n)
}

// Choose returns k distinct indices drawn uniformly from [0, n), in the
// order they were drawn. k is clamped to [0, n].
func Choose(s Sampler, n, k int) []int {
	if k <= 0 || n <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	return s.Perm(n)[:k]
}
