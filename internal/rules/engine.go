// Package rules implements the allocation rules: tier classification,
// affordability, match resolution, priority scoring, the wait-time
// override and CEL-based scoring adjustments.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/atelier/internal/domain"
)

// Engine evaluates staff-defined scoring adjustments written in CEL.
type Engine struct {
	mu             sync.RWMutex
	env            *cel.Env
	compiledRules  map[string]*CompiledRule
	activityGetter ActivityGetter
	maxWorkers     int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config       *domain.RuleConfig
	Program      cel.Program
	usesActivity bool
}

// ActivityGetter returns how many purchases a client made in the last windowDays.
type ActivityGetter func(ctx context.Context, tenantID, clientID string, windowDays int) (int64, error)

const activityVar = "recent_purchase_count"

// NewEngine creates a new adjustment engine.
func NewEngine(activityGetter ActivityGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("client_tier", cel.IntType),
		cel.Variable("watch_tier", cel.IntType),
		cel.Variable("lifetime_spend", cel.DoubleType),
		cel.Variable("watch_price", cel.DoubleType),
		cel.Variable("days_waiting", cel.IntType),
		cel.Variable("brand", cel.StringType),
		cel.Variable("preferred_brands", cel.ListType(cel.StringType)),
		cel.Variable("vip_tier", cel.StringType),
		cel.Variable("on_waitlist", cel.BoolType),
		cel.Variable("category", cel.StringType),
		cel.Variable(activityVar, cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:            env,
		compiledRules:  make(map[string]*CompiledRule),
		activityGetter: activityGetter,
		maxWorkers:     maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Input is one (client, watch) pair as seen by adjustment rules.
type Input struct {
	TenantID        string
	ClientID        string
	ClientTier      domain.Tier
	WatchTier       domain.Tier
	LifetimeSpend   float64
	WatchPrice      float64
	DaysWaiting     int
	Brand           string
	PreferredBrands []string
	VIPTier         domain.VIPTier
	OnWaitlist      bool
	Category        domain.MatchCategory

	// ActivityWindowDays is the lookback for recent_purchase_count.
	ActivityWindowDays int
}

// Evaluate runs every loaded rule in parallel and returns the adjustments
// that contributed points or failed, ordered by rule id.
func (e *Engine) Evaluate(ctx context.Context, input *Input) []domain.RuleAdjustment {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	needActivity := false
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
		needActivity = needActivity || rule.usesActivity
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	var activityCount int64
	if needActivity && e.activityGetter != nil && input.ActivityWindowDays > 0 {
		count, err := e.activityGetter(ctx, input.TenantID, input.ClientID, input.ActivityWindowDays)
		if err == nil {
			activityCount = count
		}
	}

	preferred := input.PreferredBrands
	if preferred == nil {
		preferred = []string{}
	}

	activation := map[string]any{
		"client_tier":      int64(input.ClientTier),
		"watch_tier":       int64(input.WatchTier),
		"lifetime_spend":   input.LifetimeSpend,
		"watch_price":      input.WatchPrice,
		"days_waiting":     int64(input.DaysWaiting),
		"brand":            input.Brand,
		"preferred_brands": preferred,
		"vip_tier":         string(input.VIPTier),
		"on_waitlist":      input.OnWaitlist,
		"category":         input.Category.String(),
		activityVar:        activityCount,
	}

	results := make([]domain.RuleAdjustment, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	out := results[:0]
	for _, r := range results {
		if r.Points != 0 || r.Error != "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Sum adds up the points of a set of adjustments.
func Sum(adjustments []domain.RuleAdjustment) float64 {
	var total float64
	for _, a := range adjustments {
		total += a.Points
	}
	return total
}

func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleAdjustment {
	result := domain.RuleAdjustment{
		RuleID: rule.Config.ID,
		Reason: rule.Config.Reason,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	result.Points = toScore(out) * rule.Config.Weight
	if result.Reason == "" {
		result.Reason = rule.Config.Name
	}
	return result
}

// toScore converts a CEL value to a number.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s", domain.ErrInvalidInput, cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:       cfg,
		Program:      program,
		usesActivity: strings.Contains(cfg.Expression, activityVar),
	}, nil
}
