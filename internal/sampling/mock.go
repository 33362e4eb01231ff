package sampling

import "math"

// BinomialCall records the parameters of one Binomial draw.
type BinomialCall struct {
	Index int // zero-based position among all Binomial calls
	N     int
	P     float64
}

// MockSampler implements Sampler with scripted draws for tests.
//
// Binomial draws come from BinomialFunc when set, otherwise from the
// Binomials queue, otherwise 0. Beta and Uniform draws come from their
// queues and fall back to BetaDefault / UniformDefault. Perm returns the
// identity permutation unless PermFunc is set. Every Binomial call is
// recorded, including degenerate ones that were clamped.
type MockSampler struct {
	BinomialFunc func(call BinomialCall) int
	Binomials    []int
	Betas        []float64
	Uniforms     []float64
	PermFunc     func(n int) []int

	BetaDefault    float64
	UniformDefault float64

	// Call tracking
	BinomialCalls []BinomialCall
	BetaCalls     int
	UniformCalls  int
}

// NewMockSampler creates a MockSampler that never produces events:
// every binomial is 0 and beta/uniform draws return 0.5.
func NewMockSampler() *MockSampler {
	return &MockSampler{
		BetaDefault:    0.5,
		UniformDefault: 0.5,
	}
}

// WithBinomialFunc configures a function deciding every binomial draw.
func (m *MockSampler) WithBinomialFunc(fn func(call BinomialCall) int) *MockSampler {
	m.BinomialFunc = fn
	return m
}

// WithBetas queues beta draws.
func (m *MockSampler) WithBetas(v ...float64) *MockSampler {
	m.Betas = append(m.Betas, v...)
	return m
}

// WithUniforms queues uniform draws.
func (m *MockSampler) WithUniforms(v ...float64) *MockSampler {
	m.Uniforms = append(m.Uniforms, v...)
	return m
}

// Binomial implements Sampler.
func (m *MockSampler) Binomial(n int, p float64) int {
	call := BinomialCall{Index: len(m.BinomialCalls), N: n, P: p}
	m.BinomialCalls = append(m.BinomialCalls, call)

	if n <= 0 || math.IsNaN(p) || p <= 0 {
		return 0
	}

	var k int
	switch {
	case m.BinomialFunc != nil:
		k = m.BinomialFunc(call)
	case len(m.Binomials) > 0:
		k = m.Binomials[0]
		m.Binomials = m.Binomials[1:]
	}
	if k < 0 {
		return 0
	}
	if k > n {
		return n
	}
	return k
}

// Beta implements Sampler.
func (m *MockSampler) Beta(alpha, beta float64) float64 {
	m.BetaCalls++
	if !(alpha > 0) || !(beta > 0) {
		return 0
	}
	if len(m.Betas) > 0 {
		v := m.Betas[0]
		m.Betas = m.Betas[1:]
		return v
	}
	return m.BetaDefault
}

// Uniform implements Sampler.
func (m *MockSampler) Uniform() float64 {
	m.UniformCalls++
	if len(m.Uniforms) > 0 {
		v := m.Uniforms[0]
		m.Uniforms = m.Uniforms[1:]
		return v
	}
	return m.UniformDefault
}

// Perm implements Sampler.
func (m *MockSampler) Perm(n int) []int {
	if m.PermFunc != nil {
		return m.PermFunc(n)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// CallsWithP returns the recorded binomial calls whose probability equals p.
func (m *MockSampler) CallsWithP(p float64) []BinomialCall {
	var out []BinomialCall
	for _, c := range m.BinomialCalls {
		if c.P == p {
			out = append(out, c)
		}
	}
	return out
}
