package simulation

import (
	"slices"

	"github.com/nvandessel/popln/internal/treatment"
	"github.com/nvandessel/popln/internal/tumour"
)

// CrashBuffer is how many cycles past the crash a run must last to count as
// having gone through it.
const CrashBuffer = 25

// Analytics holds one entry per simulated cycle.
type Analytics struct {
	Start int // cycle of the first entry

	Time          []int
	Population    []int
	Clones        []int
	Mutation      []float64
	Proliferation []float64 // effective: average minus selective pressure once introduced
}

// Record appends the state at the end of cycle t.
func (a *Analytics) Record(tm *tumour.Tumour, tr *treatment.Treatment, t int) {
	if len(a.Time) == 0 {
		a.Start = t
	}
	a.Time = append(a.Time, t)
	a.Population = append(a.Population, tm.TumourSize())
	a.Clones = append(a.Clones, tm.CloneCount())
	a.Mutation = append(a.Mutation, tm.AvgMutationRate())

	prolif := tm.AvgProliferationRate()
	if tr.IsIntroduced() {
		prolif -= tr.SelectPressure()
	}
	a.Proliferation = append(a.Proliferation, prolif)
}

// Len returns the number of recorded cycles.
func (a *Analytics) Len() int { return len(a.Time) }

func (a *Analytics) index(t int) int {
	return min(max(t-a.Start, 0), len(a.Population))
}

// WentThroughCrash reports whether the run lasted more than CrashBuffer
// cycles past crashTime.
func (a *Analytics) WentThroughCrash(crashTime int) bool {
	return a.Len() > crashTime-a.Start+CrashBuffer
}

// Extremum is a population size and the cycle it was first seen.
type Extremum struct {
	Size int
	Time int
}

// PrecrashMinMax returns the smallest and largest population before
// crashTime. Both are zero when nothing was recorded before it.
func (a *Analytics) PrecrashMinMax(crashTime int) (lo, hi Extremum) {
	pre := a.Population[:a.index(crashTime)]
	if len(pre) == 0 {
		return lo, hi
	}
	i := argmin(pre)
	j := argmax(pre)
	return Extremum{pre[i], a.Start + i}, Extremum{pre[j], a.Start + j}
}

// PostcrashMinMax returns the smallest population from crashTime on and the
// largest population seen after that low point.
func (a *Analytics) PostcrashMinMax(crashTime int) (lo, hi Extremum) {
	from := a.index(crashTime)
	post := a.Population[from:]
	if len(post) == 0 {
		return lo, hi
	}
	i := argmin(post)
	j := i + argmax(post[i:])
	off := a.Start + from
	return Extremum{post[i], off + i}, Extremum{post[j], off + j}
}

func argmin(s []int) int {
	return slices.Index(s, slices.Min(s))
}

func argmax(s []int) int {
	return slices.Index(s, slices.Max(s))
}
