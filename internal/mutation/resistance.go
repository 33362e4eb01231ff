package mutation

import "github.com/nvandessel/popln/internal/sampling"

// DefaultMinResistantPopSize is the tumour size at which one resistance
// mutation is expected.
const DefaultMinResistantPopSize = 1e6

// ResistanceProbability returns the per-tumour probability of a single
// resistance mutation (tumourSize / minResistantPopSize) and the derived
// per-mutation probability used for the binomial draw over total
// candidate mutations.
func ResistanceProbability(total int, tumourSize, minResistantPopSize float64) (pSingle, pEach float64) {
	if total <= 0 || minResistantPopSize <= 0 {
		return 0, 0
	}
	pSingle = tumourSize / minResistantPopSize
	pEach = pSingle / float64(total)
	return pSingle, pEach
}

// ResistantCount draws how many of total candidate mutations become
// resistance mutations for a tumour of the given size.
func ResistantCount(s sampling.Sampler, total int, tumourSize, minResistantPopSize float64) int {
	_, p := ResistanceProbability(total, tumourSize, minResistantPopSize)
	return s.Binomial(total, p)
}

// ChooseResistant picks n mutations uniformly without replacement from pool.
func ChooseResistant(s sampling.Sampler, pool []*Mutation, n int) []*Mutation {
	idx := sampling.Choose(s, len(pool), n)
	out := make([]*Mutation, len(idx))
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}
