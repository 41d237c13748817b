// Package rules provides the CEL-Go based scoring rule engine and the
// evidence-backed typology hints attached to scored records.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Engine is the CEL-based rule evaluation engine. Rules are evaluated in
// priority order and each triggered rule adds its delta and reason.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules []*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine. maxWorkers bounds
// EvaluateBatch concurrency.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Feature columns are top-level variables. Columns that may be null
	// (ratios, skipped 2-hop block, missing label) are dyn.
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(domain.ColTxID, cel.IntType),
		cel.Variable(domain.ColTimeStep, cel.IntType),
		cel.Variable(domain.ColClassName, cel.DynType),
		cel.Variable(domain.ColFanOut1Hop, cel.IntType),
		cel.Variable(domain.ColFanIn1Hop, cel.IntType),
		cel.Variable(domain.ColNbrCount1Hop, cel.IntType),
		cel.Variable(domain.ColIllicitNbrCount1Hop, cel.IntType),
		cel.Variable(domain.ColIllicitNbrRatio1Hop, cel.DynType),
		cel.Variable(domain.ColNbrCount2Hop, cel.DynType),
		cel.Variable(domain.ColIllicitNbrCount2Hop, cel.DynType),
		cel.Variable(domain.ColIllicitNbrRatio2Hop, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine. A rule with an
// existing ID replaces it.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	rules := make([]*CompiledRule, 0, len(e.compiledRules)+1)
	for _, r := range e.compiledRules {
		if r.Config.ID != cfg.ID {
			rules = append(rules, r)
		}
	}
	e.compiledRules = orderRules(append(rules, compiled))

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

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.compiledRules = orderRules(newRules)

	return nil
}

// orderRules sorts by priority, keeping load order within a priority.
func orderRules(rules []*CompiledRule) []*CompiledRule {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Config.Priority < rules[j].Config.Priority
	})
	return rules
}

// Activation returns the CEL variables for a feature record.
func Activation(rec domain.FeatureRecord) map[string]any {
	cols := rec.Columns()

	activation := map[string]any{
		"row":                         cols,
		domain.ColTxID:                int64(rec.ID),
		domain.ColTimeStep:            int64(rec.TimeStep),
		domain.ColClassName:           cols[domain.ColClassName],
		domain.ColFanOut1Hop:          int64(rec.FanOut1Hop),
		domain.ColFanIn1Hop:           int64(rec.FanIn1Hop),
		domain.ColNbrCount1Hop:        int64(rec.NbrCount1Hop),
		domain.ColIllicitNbrCount1Hop: int64(rec.IllicitNbrCount1Hop),
		domain.ColIllicitNbrRatio1Hop: rec.IllicitNbrRatio1Hop.Any(),
		domain.ColNbrCount2Hop:        nil,
		domain.ColIllicitNbrCount2Hop: nil,
		domain.ColIllicitNbrRatio2Hop: nil,
	}
	if rec.TwoHop != nil {
		activation[domain.ColNbrCount2Hop] = int64(rec.TwoHop.NbrCount)
		activation[domain.ColIllicitNbrCount2Hop] = int64(rec.TwoHop.IllicitNbrCount)
		activation[domain.ColIllicitNbrRatio2Hop] = rec.TwoHop.IllicitNbrRatio.Any()
	}
	return activation
}

// Evaluate runs every loaded rule against one record, in order. The first
// evaluation error is returned alongside the per-rule results.
func (e *Engine) Evaluate(ctx context.Context, rec domain.FeatureRecord) ([]domain.RuleResult, error) {
	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	activation := Activation(rec)
	results := make([]domain.RuleResult, len(rules))

	var firstErr error
	for i, rule := range rules {
		if err := ctx.Err(); err != nil {
			return results[:i], err
		}
		results[i] = e.evaluateRule(rule, activation, rec)
		if results[i].Error != "" && firstErr == nil {
			firstErr = fmt.Errorf("rule %s: %s", rule.Config.ID, results[i].Error)
		}
	}

	return results, firstErr
}

// EvaluateBatch evaluates many records in parallel. Results are indexed
// like recs.
func (e *Engine) EvaluateBatch(ctx context.Context, recs []domain.FeatureRecord) ([][]domain.RuleResult, error) {
	results := make([][]domain.RuleResult, len(recs))
	errs := make([]error, len(recs))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range recs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx], errs[idx] = e.Evaluate(ctx, recs[idx])
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("tx %d: %w", recs[i].ID, err)
		}
	}
	return results, nil
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any, rec domain.FeatureRecord) domain.RuleResult {
	result := domain.RuleResult{
		RuleID: rule.Config.ID,
		TxID:   rec.ID,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	triggered, ok := out.(types.Bool)
	if !ok {
		result.Error = fmt.Sprintf("expression returned %s, want bool", out.Type().TypeName())
		return result
	}

	if bool(triggered) {
		result.Triggered = true
		result.Delta = rule.Config.Delta
		result.Reason = FormatReason(rule.Config.Reason, activation)
	}
	return result
}

// FormatReason replaces {column} placeholders with the record's values.
// Integers print as-is, floats with three decimals, null as "n/a".
func FormatReason(template string, activation map[string]any) string {
	if !strings.Contains(template, "{") {
		return template
	}
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			b.WriteString(rest)
			break
		}
		name := rest[open+1 : open+closeIdx]
		b.WriteString(rest[:open])
		if v, ok := activation[name]; ok && name != "row" {
			b.WriteString(formatValue(v))
		} else {
			b.WriteString(rest[open : open+closeIdx+1])
		}
		rest = rest[open+closeIdx+1:]
	}
	return b.String()
}

func formatValue(v any) string {
	switch n := v.(type) {
	case nil:
		return "n/a"
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'f', 3, 64)
	case string:
		return n
	default:
		return fmt.Sprint(n)
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations in
// evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
