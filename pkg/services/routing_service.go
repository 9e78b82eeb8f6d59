package services

import (
	"context"
	stderrors "errors"
	"io"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/cost"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
	"github.com/TFMV/polyroute/pkg/routing"
	"github.com/TFMV/polyroute/pkg/txid"
)

// Dependencies are the collaborators of a routing service. View, Logger and
// Metrics are required; the rest default to fresh in-memory instances.
type Dependencies struct {
	View      *catalog.View
	Selector  *placement.Selector
	Registry  *routing.Registry
	Cache     cache.PlanCache
	Estimator *cost.Estimator
	Monitor   cost.Monitor
	Logger    Logger
	Metrics   MetricsCollector
	// Node identifies this router instance in generated transaction ids.
	Node uuid.UUID
	// Rand drives PERCENTAGE selection.
	Rand rand.Source
}

// routingState is one immutable configuration generation.
type routingState struct {
	opts    RoutingOptions
	routers []routing.Router
}

// routingService implements RoutingService.
type routingService struct {
	view      *catalog.View
	selector  *placement.Selector
	registry  *routing.Registry
	cache     cache.PlanCache
	estimator *cost.Estimator
	monitor   cost.Monitor
	logger    Logger
	metrics   MetricsCollector
	node      uuid.UUID
	picker    *picker

	state atomic.Pointer[routingState]
}

// NewRoutingService creates the orchestrator and subscribes it to catalog
// changes.
func NewRoutingService(deps Dependencies, opts RoutingOptions) (RoutingService, error) {
	if deps.View == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "routing service needs a catalog view")
	}
	if deps.Logger == nil || deps.Metrics == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "routing service needs a logger and a metrics collector")
	}
	if deps.Selector == nil {
		deps.Selector = placement.NewSelector()
	}
	if deps.Registry == nil {
		deps.Registry = routing.NewRegistry()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewShardedPlanCache(nil)
	}
	if deps.Estimator == nil {
		deps.Estimator = cost.NewEstimator(nil)
	}
	if deps.Monitor == nil {
		deps.Monitor = cost.NewInMemoryMonitor()
	}
	if deps.Node == uuid.Nil {
		deps.Node = uuid.New()
	}

	s := &routingService{
		view:      deps.View,
		selector:  deps.Selector,
		registry:  deps.Registry,
		cache:     deps.Cache,
		estimator: deps.Estimator,
		monitor:   deps.Monitor,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		node:      deps.Node,
		picker:    newPicker(deps.Rand),
	}

	state, err := s.build(opts)
	if err != nil {
		return nil, err
	}
	s.state.Store(state)
	deps.View.Subscribe(s)

	s.logger.Info("Routing service ready", "options", opts.String())
	return s, nil
}

func (s *routingService) build(opts RoutingOptions) (*routingState, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.Clone()
	opts.Selection, _ = ParseSelectionStrategy(string(opts.Selection))

	routers, err := s.registry.Build(opts.Routers, routing.Dependencies{
		Selector: s.selector,
		Cache:    s.cache,
	}, routing.Options{
		MaxFullPlacementWidth: opts.MaxFullPlacementWidth,
		Parallelism:           opts.Parallelism,
	})
	if err != nil {
		return nil, err
	}
	return &routingState{opts: opts, routers: routers}, nil
}

// Route implements RoutingService.
func (s *routingService) Route(ctx context.Context, plan *models.LogicalNode, stmt *models.Statement) (*models.RoutingDecision, error) {
	return s.route(ctx, plan, stmt, false)
}

// Explain implements RoutingService.
func (s *routingService) Explain(ctx context.Context, plan *models.LogicalNode, stmt *models.Statement) (*models.RoutingDecision, error) {
	return s.route(ctx, plan, stmt, true)
}

func (s *routingService) route(ctx context.Context, plan *models.LogicalNode, stmt *models.Statement, explain bool) (*models.RoutingDecision, error) {
	start := time.Now()
	timer := s.metrics.StartTimer("routing_duration")
	defer timer.Stop()
	s.metrics.IncrementCounter("routing_requests")

	if err := plan.Validate(); err != nil {
		s.metrics.IncrementCounter("routing_failures", "code", errors.CodeInvalidRequest)
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid logical plan")
	}

	st := models.Statement{}
	if stmt != nil {
		st = *stmt
	}
	if st.Global.IsZero() {
		st.Global = txid.NewTransaction(s.node, uuid.Nil, uuid.Nil)
	}
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	state := s.state.Load()
	snap := s.view.Current()
	req := &routing.Request{
		Plan:      plan,
		Snapshot:  snap,
		Query:     models.NewQueryInfo(plan),
		Statement: &st,
	}

	s.logger.Debug("Routing statement",
		"statement_id", st.ID,
		"query_class_id", req.Query.QueryClassID,
		"dml", req.Query.IsDML,
		"catalog_version", snap.Version())

	plans, causes := s.collect(ctx, state, req, explain)

	if err := ctx.Err(); err != nil {
		if stderrors.Is(err, context.Canceled) {
			s.metrics.IncrementCounter("routing_failures", "code", errors.CodeCanceled)
			return nil, errors.Wrap(err, errors.CodeCanceled, "routing canceled")
		}
		if len(plans) == 0 {
			s.metrics.IncrementCounter("routing_failures", "code", errors.CodeDeadlineExceeded)
			return nil, errors.Wrap(err, errors.CodeDeadlineExceeded, "routing deadline exceeded before any candidate")
		}
	}
	if len(plans) == 0 {
		s.metrics.IncrementCounter("routing_failures", "code", errors.CodeRoutingImpossible)
		err := impossible(state.routers, causes)
		s.logger.Error("Routing impossible", "query_class_id", req.Query.QueryClassID, "error", err)
		return nil, err
	}
	partial := ctx.Err() != nil

	candidates := s.score(plans, state.opts.PrePostCostRatio)
	rank(candidates)
	strategy := state.opts.Selection
	if partial {
		strategy = SelectionBest
	}
	winner := candidates[s.picker.pick(strategy, candidates)].Plan
	s.metrics.RecordHistogram("routing_candidates", float64(len(candidates)))

	if !explain && !partial && state.opts.PlanCacheEnabled && winner.Cacheable && !winner.FromCache {
		s.cache.Put(winner.QueryClassID, winner.ToCached(snap.Version()))
		s.metrics.IncrementCounter("plan_cache_puts")
	}

	decision := &models.RoutingDecision{
		Plan:     winner,
		ClassID:  winner.PhysicalClassID(),
		Global:   st.Global,
		Branches: make(map[int64]txid.BranchID),
		Partial:  partial,
		Elapsed:  time.Since(start),
	}
	for _, adapterID := range winner.Adapters() {
		decision.Branches[adapterID] = txid.BranchForAdapter(st.Global, adapterID)
	}
	if explain {
		decision.Candidates = candidates
	}

	s.logger.Debug("Routed statement",
		"statement_id", st.ID,
		"router", winner.Router,
		"candidates", len(candidates),
		"adapters", winner.Adapters(),
		"partial", partial,
		"elapsed", decision.Elapsed)
	return decision, nil
}

// collect runs the enabled routers and gathers their plans. DML statements
// only reach DML routers. A cache-replay hit is the sole candidate; fallback
// routers only run when nothing else produced a plan.
func (s *routingService) collect(ctx context.Context, state *routingState, req *routing.Request, explain bool) ([]*models.RoutingPlan, []error) {
	var (
		plans  []*models.RoutingPlan
		causes []error
	)
	run := func(r routing.Router) {
		if ctx.Err() != nil {
			return
		}
		out, err := r.Route(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			causes = append(causes, errors.Wrapf(err, errors.GetCode(err), "router %s failed", r.Name()))
			if errors.IsCacheMiss(err) || errors.IsNotApplicable(err) {
				s.logger.Debug("Router skipped", "router", r.Name(), "reason", errors.GetCode(err))
				return
			}
			s.metrics.IncrementCounter("router_errors", "router", r.Name())
			s.logger.Warn("Router failed", "router", r.Name(), "error", err)
			return
		}
		plans = append(plans, out...)
	}
	runKind := func(match func(models.RouterKind) bool) {
		for _, r := range state.routers {
			if match(r.Kind()) {
				run(r)
			}
		}
	}

	if req.Query.IsDML {
		runKind(func(k models.RouterKind) bool { return k == models.RouterKindDML })
		return plans, causes
	}

	if state.opts.PlanCacheEnabled && !explain {
		runKind(func(k models.RouterKind) bool { return k == models.RouterKindCacheReplay })
		if len(plans) > 0 {
			s.metrics.IncrementCounter("plan_cache_hits")
			return plans, causes
		}
		s.metrics.IncrementCounter("plan_cache_misses")
	}

	runKind(func(k models.RouterKind) bool {
		return k == models.RouterKindFullPlacement
	})
	if len(plans) == 0 {
		runKind(func(k models.RouterKind) bool { return k == models.RouterKindSimple })
	}
	return plans, causes
}

func (s *routingService) score(plans []*models.RoutingPlan, alpha float64) []models.Candidate {
	scored := make([]*models.RoutingPlan, len(plans))
	for i, p := range plans {
		static := s.estimator.Estimate(p)
		var learned *models.LearnedCost
		if lc, ok := s.monitor.HistoricalCost(p.PhysicalClassID()); ok {
			learned = &lc
		}
		scored[i] = p.WithCosts(&static, learned)
	}

	effective := cost.Blend(scored, alpha)
	candidates := make([]models.Candidate, len(scored))
	for i, p := range scored {
		candidates[i] = models.Candidate{Plan: p, EffectiveCost: effective[i]}
	}
	return candidates
}

// impossible builds the error returned when no router produced a plan. When
// every failure other than cache misses and declined routers is a missing
// placement, the first one is surfaced so the operator sees which column
// lacks a placement.
func impossible(routers []routing.Router, causes []error) error {
	names := make([]string, len(routers))
	for i, r := range routers {
		names[i] = r.Name()
	}

	var missing, failures []error
	for _, c := range causes {
		if errors.IsCacheMiss(c) || errors.IsNotApplicable(c) {
			continue
		}
		failures = append(failures, c)
		if errors.IsNoValidPlacement(c) {
			missing = append(missing, c)
		}
	}
	if len(failures) > 0 && len(missing) == len(failures) {
		var nvp *errors.RoutingError
		for cur := missing[0]; cur != nil; cur = stderrors.Unwrap(cur) {
			if re, ok := cur.(*errors.RoutingError); ok && re.Code == errors.CodeNoValidPlacement && re.Details != nil {
				nvp = re
				break
			}
		}
		err := errors.Wrap(missing[0], errors.CodeRoutingImpossible, "all routing strategies exhausted: no valid placement")
		if nvp != nil {
			for k, v := range nvp.Details {
				err = err.WithDetail(k, v)
			}
		}
		return err.WithDetail("routers", names)
	}

	var cause error
	if len(causes) > 0 {
		cause = stderrors.Join(causes...)
	}
	err := &errors.RoutingError{
		Code:    errors.CodeRoutingImpossible,
		Message: "all routing strategies exhausted",
		Cause:   cause,
	}
	return err.WithDetail("routers", names)
}

// Invalidate implements RoutingService.
// Learned costs of the invalidated query classes are dropped with them.
func (s *routingService) Invalidate(entityID int64) int {
	forgotten := 0
	for _, p := range s.cache.Entries() {
		if p.References(entityID) {
			forgotten += s.monitor.Forget(p.QueryClassID)
		}
	}
	n := s.cache.Invalidate(entityID)
	s.metrics.IncrementCounter("plan_cache_invalidations")
	s.logger.Info("Invalidated cached plans", "entity_id", entityID, "plans", n, "learned_costs", forgotten)
	return n
}

// OnCatalogChange implements catalog.ChangeListener.
func (s *routingService) OnCatalogChange(changed []int64) {
	for _, id := range changed {
		s.Invalidate(id)
	}
}

// RecordExecution implements RoutingService.
func (s *routingService) RecordExecution(classID string, c float64) error {
	if classID == "" {
		return errors.New(errors.CodeInvalidRequest, "class id is required")
	}
	if c < 0 {
		return errors.Newf(errors.CodeInvalidRequest, "execution cost must not be negative, got %s", strconv.FormatFloat(c, 'g', -1, 64))
	}
	s.monitor.RecordExecution(classID, c)
	s.metrics.IncrementCounter("monitor_executions")
	return nil
}

// UpdateOptions implements RoutingService. Rejected options leave the active
// configuration untouched.
func (s *routingService) UpdateOptions(opts RoutingOptions) error {
	state, err := s.build(opts)
	if err != nil {
		s.metrics.IncrementCounter("routing_options_rejected")
		s.logger.Warn("Rejected routing options", "options", opts.String(), "error", err)
		return err
	}
	s.state.Store(state)
	s.metrics.IncrementCounter("routing_options_applied")
	s.logger.Info("Applied routing options", "options", state.opts.String())
	return nil
}

// Options implements RoutingService.
func (s *routingService) Options() RoutingOptions {
	return s.state.Load().opts.Clone()
}

// CacheStats implements RoutingService.
func (s *routingService) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// ExportCache implements RoutingService.
func (s *routingService) ExportCache(w io.Writer) error {
	return cache.Export(w, s.cache)
}
