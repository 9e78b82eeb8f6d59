package services

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/TFMV/polyroute/pkg/models"
)

// rank orders candidates best first: lowest effective cost, then higher
// router priority, then query class id, then the adapters of the chosen
// combinations. The order is total, so BEST is deterministic.
func rank(candidates []models.Candidate) {
	slices.SortStableFunc(candidates, compareCandidates)
}

func compareCandidates(a, b models.Candidate) int {
	if c := cmp.Compare(a.EffectiveCost, b.EffectiveCost); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Plan.Kind.Priority(), a.Plan.Kind.Priority()); c != 0 {
		return c
	}
	if c := strings.Compare(a.Plan.QueryClassID, b.Plan.QueryClassID); c != 0 {
		return c
	}
	return slices.CompareFunc(a.Plan.Combinations, b.Plan.Combinations, models.CompareCombinations)
}

// picker chooses a winner among ranked candidates.
type picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newPicker(src rand.Source) *picker {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &picker{rng: rand.New(src)}
}

// pick returns the index of the winner. Candidates must be ranked.
func (p *picker) pick(strategy SelectionStrategy, ranked []models.Candidate) int {
	if strategy != SelectionPercentage || len(ranked) < 2 {
		return 0
	}

	// candidate i has weight 1/(i+1)
	var total float64
	for i := range ranked {
		total += 1 / float64(i+1)
	}
	p.mu.Lock()
	r := p.rng.Float64() * total
	p.mu.Unlock()

	for i := range ranked {
		r -= 1 / float64(i+1)
		if r < 0 {
			return i
		}
	}
	return len(ranked) - 1
}
