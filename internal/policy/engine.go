package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Переменные, доступные в условиях правил.
const (
	VarResources = "resources"
	VarCost      = "cost"
	VarTime      = "time"
	VarData      = "data"
	VarJob       = "job"
)

// evalCostLimit ограничивает стоимость одного условия: правило не может подвесить оценку.
const evalCostLimit = 10_000

// Рабочие часы для time.business_hours (локальное время снимка).
const (
	BusinessStartHour = 9
	BusinessEndHour   = 18
)

// Engine компилирует условия правил. Окружение CEL неизменяемо и безопасно
// для конкурентного использования.
type Engine struct {
	env *cel.Env
}

func NewEngine() (*Engine, error) {
	dyn := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(VarResources, dyn),
		cel.Variable(VarCost, dyn),
		cel.Variable(VarTime, dyn),
		cel.Variable(VarData, dyn),
		cel.Variable(VarJob, dyn),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &Engine{env: env}, nil
}

type compiledRule struct {
	rule domain.PolicyRule
	prg  cel.Program
}

// RuleSet: неизменяемый скомпилированный набор правил.
type RuleSet struct {
	rules []compiledRule
}

func (s RuleSet) Len() int { return len(s.rules) }

// Rules возвращает исходные правила в порядке приоритета.
func (s RuleSet) Rules() []domain.PolicyRule {
	out := make([]domain.PolicyRule, len(s.rules))
	for i, c := range s.rules {
		out[i] = c.rule
	}
	return out
}

// RuleError: ошибка компиляции конкретного правила.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string { return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err) }
func (e *RuleError) Unwrap() error { return e.Err }

// Compile компилирует все правила. Сломанные правила в набор не попадают,
// по каждому возвращается RuleError (через errors.Join).
func (e *Engine) Compile(rules []domain.PolicyRule) (RuleSet, error) {
	var errs []error
	set := RuleSet{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))

	for _, r := range rules {
		if seen[r.ID] {
			errs = append(errs, &RuleError{RuleID: r.ID, Err: errors.New("duplicate rule id")})
			continue
		}
		seen[r.ID] = true

		prg, err := e.compileRule(r)
		if err != nil {
			errs = append(errs, &RuleError{RuleID: r.ID, Err: err})
			continue
		}
		set.rules = append(set.rules, compiledRule{rule: r, prg: prg})
	}

	sort.SliceStable(set.rules, func(i, j int) bool {
		a, b := set.rules[i].rule, set.rules[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return set, errors.Join(errs...)
}

// Validate проверяет одно правило до сохранения (консоль). Переменные в окружении
// динамические, поэтому ошибки типов (int против double, несуществующий ключ)
// видны только при вычислении: условие прогоняется на пробных снимках.
func (e *Engine) Validate(r domain.PolicyRule) error {
	prg, err := e.compileRule(r)
	if err != nil {
		return err
	}
	c := compiledRule{rule: r, prg: prg}
	for _, jc := range trialContexts() {
		if _, err := eval(c, Activation(jc)); err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
	}
	return nil
}

// trialContexts: пустой и нагруженный снимки. У нагруженного все поля ненулевые,
// чтобы && и || не обходили вычисление правой части в обоих случаях.
func trialContexts() []domain.JobContext {
	now := time.Date(2026, time.January, 7, 12, 30, 0, 0, time.UTC)
	return []domain.JobContext{
		{Now: now, Capabilities: domain.NewCapabilitySet()},
		{
			SkillID:      "trial",
			Requester:    "trial",
			Profile:      domain.ProfileBusinessOperation,
			RiskTier:     domain.RiskHigh,
			RiskScore:    90,
			Capabilities: domain.NewCapabilitySet(domain.CapExecutePayment, domain.CapWriteFile),
			Resources: domain.ResourceSnapshot{
				CPUPercent: 95, MemoryMB: 8192, ActiveAgents: 7, CapacityUsed: 0.9, RequestsPerMin: 600,
			},
			Cost: domain.CostSnapshot{Today: 120, DailyLimit: 100, RunEstimate: 5},
			Data: domain.DataFlags{HasPII: true, Sensitivity: "high", Tags: []string{"pii"}},
			Now:  now.Add(11 * time.Hour),
		},
	}
}

func (e *Engine) compileRule(r domain.PolicyRule) (cel.Program, error) {
	if strings.TrimSpace(r.ID) == "" {
		return nil, errors.New("rule id is required")
	}
	if _, err := domain.ParseRuleAction(string(r.Action)); err != nil {
		return nil, err
	}
	cond := strings.TrimSpace(r.Condition)
	if cond == "" {
		return nil, errors.New("condition is required")
	}

	ast, iss := e.env.Compile(cond)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile: %w", iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must be boolean, got %s", out)
	}
	prg, err := e.env.Program(ast, cel.CostLimit(evalCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// Activation переводит JobContext в переменные CEL.
func Activation(jc domain.JobContext) map[string]interface{} {
	now := jc.Now
	hour := now.Hour()
	weekday := now.Weekday()
	business := weekday != time.Saturday && weekday != time.Sunday &&
		hour >= BusinessStartHour && hour < BusinessEndHour

	tags := jc.Data.Tags
	if tags == nil {
		tags = []string{}
	}

	return map[string]interface{}{
		VarResources: map[string]interface{}{
			"cpu_percent":      jc.Resources.CPUPercent,
			"memory_mb":        jc.Resources.MemoryMB,
			"active_agents":    int64(jc.Resources.ActiveAgents),
			"capacity_used":    jc.Resources.CapacityUsed,
			"requests_per_min": jc.Resources.RequestsPerMin,
		},
		VarCost: map[string]interface{}{
			"today":        jc.Cost.Today,
			"limit":        jc.Cost.DailyLimit,
			"run_estimate": jc.Cost.RunEstimate,
			"projected":    jc.Cost.Today + jc.Cost.RunEstimate,
		},
		VarTime: map[string]interface{}{
			"hour":           int64(hour),
			"minute":         int64(now.Minute()),
			"weekday":        int64(weekday),
			"business_hours": business,
		},
		VarData: map[string]interface{}{
			"has_pii":     jc.Data.HasPII,
			"sensitivity": jc.Data.Sensitivity,
			"tags":        tags,
		},
		VarJob: map[string]interface{}{
			"profile":      string(jc.Profile),
			"skill_id":     jc.SkillID,
			"requester":    jc.Requester,
			"risk_tier":    string(jc.RiskTier),
			"risk_score":   int64(jc.RiskScore),
			"capabilities": jc.Capabilities.Strings(),
		},
	}
}
