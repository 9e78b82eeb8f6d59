package routing

import (
	"context"
	"slices"

	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

// cacheReplayRouter rebuilds a plan from the plan cache without consulting
// the placement selector. A missing or stale entry is a CACHE_MISS; stale
// entries are evicted on the way.
type cacheReplayRouter struct {
	cache cache.PlanCache
}

// NewCacheReplayRouter creates a cache-replay router over the plan cache.
func NewCacheReplayRouter(c cache.PlanCache) Router {
	return &cacheReplayRouter{cache: c}
}

func (r *cacheReplayRouter) Name() string            { return NameCacheReplay }
func (r *cacheReplayRouter) Kind() models.RouterKind { return models.RouterKindCacheReplay }

// Route implements Router.
func (r *cacheReplayRouter) Route(ctx context.Context, req *Request) ([]*models.RoutingPlan, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Query.IsDML {
		return nil, errors.ErrNotApplicable.WithDetail("router", NameCacheReplay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qcid := req.Query.QueryClassID
	cached, ok := r.cache.Get(qcid)
	if !ok {
		return nil, errors.ErrCacheMiss.WithDetail("query_class_id", qcid)
	}
	if reason := staleReason(req, cached); reason != "" {
		r.cache.CompareAndDelete(qcid, cached)
		return nil, errors.ErrCacheMiss.WithDetails(map[string]interface{}{
			"query_class_id": qcid,
			"stale":          reason,
		})
	}

	plan, err := newPlan(req, r, slices.Clone(cached.Combinations), false)
	if err != nil {
		return nil, err
	}
	plan.FromCache = true
	return []*models.RoutingPlan{plan}, nil
}

// staleReason explains why a cached plan no longer answers the request, or
// returns the empty string when it still does.
func staleReason(req *Request, cached *models.CachedRoutingPlan) string {
	access := req.Plan.AccessNodes()
	if len(access) != len(cached.Combinations) {
		return "scan count changed"
	}
	for i, combo := range cached.Combinations {
		if combo.EntityID != access[i].EntityID {
			return "entity mismatch"
		}
		if req.Snapshot.EntityVersion(combo.EntityID) > cached.SnapshotVersion {
			return "entity placements changed"
		}
		for _, p := range combo.Placements {
			if !req.Snapshot.HasPlacement(p) {
				return "placement " + p.String() + " no longer exists"
			}
		}
	}
	return ""
}
