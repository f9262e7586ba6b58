package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/billingrules/internal/logger"
	"github.com/liamcoop/billingrules/internal/metrics"
)

// DefaultParallelThreshold is the smallest rule group evaluated with one
// goroutine per rule; smaller groups run sequentially
const DefaultParallelThreshold = 16

// LoadTimeout bounds a shared rule group load from the store
const LoadTimeout = 30 * time.Second

// Engine applies rule groups to records. Rule groups are read through an
// injected cache backed by a RuleGroupStore.
// Thread-safe: evaluation shares no mutable state.
type Engine struct {
	store             RuleGroupStore
	cache             RuleGroupCache
	parallelism       int
	parallelThreshold int

	loads       singleflight.Group
	generations map[string]uint64 // bumped on every invalidation
	allGen      uint64
	genMu       sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithCache replaces the default in-memory cache
func WithCache(cache RuleGroupCache) Option {
	return func(en *Engine) {
		en.cache = cache
	}
}

// WithParallelism bounds the goroutines used per record and per batch.
// 1 evaluates everything sequentially.
func WithParallelism(n int) Option {
	return func(en *Engine) {
		if n > 0 {
			en.parallelism = n
		}
	}
}

// WithParallelThreshold sets the rule count from which a group's rules are
// evaluated concurrently
func WithParallelThreshold(n int) Option {
	return func(en *Engine) {
		if n > 0 {
			en.parallelThreshold = n
		}
	}
}

// NewEngine creates a new rules engine reading rule groups from store
func NewEngine(store RuleGroupStore, opts ...Option) *Engine {
	en := &Engine{
		store:             store,
		cache:             NewInMemoryRuleGroupCache(DefaultCacheConfig()),
		parallelism:       runtime.GOMAXPROCS(0),
		parallelThreshold: DefaultParallelThreshold,
		generations:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(en)
	}
	return en
}

// Apply evaluates every rule of group against rec and returns one result per
// rule in authoring order. It performs no I/O.
func (en *Engine) Apply(group *RuleGroup, rec Record) []*EvaluationResult {
	if len(group.DerivedFields) > 0 {
		var diags []string
		rec, diags = derive(group.DerivedFields, rec)
		for _, d := range diags {
			metrics.Diagnostics.Inc()
			logger.Debug("coercion diagnostic", "rule_group_id", group.ID, "diagnostic", d)
		}
	}

	results := make([]*EvaluationResult, len(group.Rules))

	if en.parallelism <= 1 || len(group.Rules) < en.parallelThreshold {
		for i, rule := range group.Rules {
			results[i] = en.evaluateRule(group, rule, rec)
		}
		return results
	}

	// Each goroutine writes only its own index, which keeps authoring order
	var g errgroup.Group
	g.SetLimit(en.parallelism)
	for i, rule := range group.Rules {
		g.Go(func() error {
			results[i] = en.evaluateRule(group, rule, rec)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (en *Engine) evaluateRule(group *RuleGroup, rule *Rule, rec Record) *EvaluationResult {
	res := &EvaluationResult{
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		AdjustmentType: rule.AdjustmentType,
	}

	matched, diags := EvaluateWithDiagnostics(rule.Condition, rec)
	for _, d := range diags {
		metrics.Diagnostics.Inc()
		logger.Debug("coercion diagnostic", "rule_group_id", group.ID, "rule_id", rule.ID, "diagnostic", d)
	}
	if !matched {
		res.Detail = "condition not met"
		if len(diags) > 0 {
			res.Detail += ": " + diags[len(diags)-1]
		}
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeUnmatched).Inc()
		return res
	}

	calc, err := Calculate(rule.Calculation, rec)
	if err != nil {
		res.Error = err
		res.Detail = err.Error()
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeError).Inc()
		logger.Warn("rule calculation failed", "rule_group_id", group.ID, "rule_id", rule.ID, "error", err)
		return res
	}

	res.Detail = calc.Detail
	charge := RoundCharge(calc.Amount)
	res.Charge = &charge
	if !calc.Applied {
		// no tier: the rule does not apply and contributes 0.00
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeUnmatched).Inc()
		return res
	}

	res.Matched = true
	metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeMatched).Inc()
	return res
}

// EvaluateOrder loads a rule group and applies it to one record. The only
// errors come from loading the group.
func (en *Engine) EvaluateOrder(ctx context.Context, groupID string, rec Record) ([]*EvaluationResult, error) {
	group, err := en.RuleGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := en.Apply(group, rec)
	metrics.OrderEvaluationSeconds.Observe(time.Since(start).Seconds())
	return results, nil
}

// EvaluateOrders applies one rule group to many records concurrently.
// Results are indexed like records. Cancelling ctx stops new records from
// being started and returns the context error.
func (en *Engine) EvaluateOrders(ctx context.Context, groupID string, records []Record) ([][]*EvaluationResult, error) {
	group, err := en.RuleGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	out := make([][]*EvaluationResult, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(en.parallelism)
	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			out[i] = en.Apply(group, rec)
			metrics.OrderEvaluationSeconds.Observe(time.Since(start).Seconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RuleGroup returns the compiled rule group, loading it from the store on a
// cache miss. Concurrent misses for the same ID share one load, and a load
// that raced with an invalidation is returned but not cached. The shared load
// outlives any single caller; a caller whose ctx ends stops waiting for it.
func (en *Engine) RuleGroup(ctx context.Context, id string) (*RuleGroup, error) {
	if group, ok := en.cache.Get(ctx, id); ok {
		metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
		return group, nil
	}
	metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()

	ch := en.loads.DoChan(id, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LoadTimeout)
		defer cancel()
		return en.load(loadCtx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RuleGroup), nil
	}
}

func (en *Engine) load(ctx context.Context, id string) (*RuleGroup, error) {
	gen := en.generation(id)

	def, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	group, err := def.Build()
	if err != nil {
		return nil, fmt.Errorf("stored rule group %s is invalid: %w", id, err)
	}

	if en.generation(id) != gen {
		return group, nil
	}
	en.cache.Set(ctx, group)

	// An invalidation that landed during Set may have run its cache delete
	// before the snapshot was written
	if en.generation(id) != gen {
		if err := en.cache.Invalidate(ctx, id); err != nil {
			logger.Warn("failed to drop raced rule group snapshot", "rule_group_id", id, "error", err)
		}
	}
	return group, nil
}

// AddRuleGroup validates def and stores it. Invalid definitions never reach
// the store.
func (en *Engine) AddRuleGroup(ctx context.Context, def *RuleGroupDefinition) (*RuleGroup, error) {
	group, err := def.Build()
	if err != nil {
		return nil, err
	}
	if err := en.store.Add(ctx, def); err != nil {
		return nil, err
	}
	if err := en.Invalidate(ctx, def.ID); err != nil {
		return nil, err
	}
	stamp(group, def)
	return group, nil
}

// UpdateRuleGroup validates def and stores it as the next version
func (en *Engine) UpdateRuleGroup(ctx context.Context, def *RuleGroupDefinition) (*RuleGroup, error) {
	group, err := def.Build()
	if err != nil {
		return nil, err
	}
	if err := en.store.Update(ctx, def); err != nil {
		return nil, err
	}
	if err := en.Invalidate(ctx, def.ID); err != nil {
		return nil, err
	}
	stamp(group, def)
	return group, nil
}

// stamp copies the store-assigned version and timestamps onto group
func stamp(group *RuleGroup, def *RuleGroupDefinition) {
	group.Version = def.Version
	group.CreatedAt = def.CreatedAt
	group.UpdatedAt = def.UpdatedAt
}

// DeleteRuleGroup removes a rule group from the store and the cache
func (en *Engine) DeleteRuleGroup(ctx context.Context, id string) error {
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}
	return en.Invalidate(ctx, id)
}

// ListRuleGroups returns the stored definitions
func (en *Engine) ListRuleGroups(ctx context.Context) ([]*RuleGroupDefinition, error) {
	return en.store.List(ctx)
}

// Invalidate drops a rule group from the cache so the next evaluation
// reloads it from the store
func (en *Engine) Invalidate(ctx context.Context, id string) error {
	en.genMu.Lock()
	en.generations[id]++
	en.genMu.Unlock()
	en.loads.Forget(id)

	metrics.Invalidations.Inc()
	return en.cache.Invalidate(ctx, id)
}

// InvalidateAll drops every cached rule group
func (en *Engine) InvalidateAll(ctx context.Context) error {
	en.genMu.Lock()
	for id := range en.generations {
		en.generations[id]++
	}
	en.allGen++
	en.genMu.Unlock()

	metrics.Invalidations.Inc()
	return en.cache.InvalidateAll(ctx)
}

func (en *Engine) generation(id string) uint64 {
	en.genMu.Lock()
	defer en.genMu.Unlock()
	return en.generations[id] + en.allGen
}

// IsNotFound reports whether err means the rule group does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleGroupNotFound)
}
