package cost

import (
	"github.com/TFMV/polyroute/pkg/models"
)

// Blend scores candidate plans. Static and learned costs are normalized to
// [0,1] by the largest value among the candidates; a plan with a learned
// cost scores alpha*static + (1-alpha)*learned, one without scores its
// normalized static cost alone. Plans without a static estimate score 0 on
// that component. The result is aligned with plans.
func Blend(plans []*models.RoutingPlan, alpha float64) []float64 {
	alpha = min(max(alpha, 0), 1)

	var maxStatic, maxLearned float64
	for _, p := range plans {
		if p.StaticCost != nil {
			maxStatic = max(maxStatic, p.StaticCost.Value())
		}
		if p.LearnedCost != nil {
			maxLearned = max(maxLearned, p.LearnedCost.Value)
		}
	}

	scores := make([]float64, len(plans))
	for i, p := range plans {
		var nS float64
		if p.StaticCost != nil {
			nS = normalize(p.StaticCost.Value(), maxStatic)
		}
		if p.LearnedCost == nil {
			scores[i] = nS
			continue
		}
		nL := normalize(p.LearnedCost.Value, maxLearned)
		scores[i] = alpha*nS + (1-alpha)*nL
	}
	return scores
}

func normalize(v, maxV float64) float64 {
	if maxV <= 0 {
		return 0
	}
	return v / maxV
}
