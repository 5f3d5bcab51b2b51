package policy

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/skillgate/internal/domain"
)

// DefaultRules: базовый пакет правил. Пороговые значения вшиты в условия,
// при необходимости их правят через консоль.
func DefaultRules() []domain.PolicyRule {
	return []domain.PolicyRule{
		{
			ID:        "resource_limits",
			Name:      "Resource limits",
			Category:  domain.CategoryResource,
			Condition: "resources.cpu_percent > 80.0 || resources.memory_mb > 4096.0",
			Action:    domain.ActionBlock,
			Message:   "resource limits exceeded",
			Priority:  100,
			Enabled:   true,
		},
		{
			ID:        "capacity_saturated",
			Name:      "Capacity saturated",
			Category:  domain.CategoryResource,
			Condition: "resources.capacity_used >= 0.9",
			Action:    domain.ActionWarn,
			Message:   "agent pool is almost full",
			Priority:  60,
			Enabled:   true,
		},
		{
			ID:        "rate_limit_global",
			Name:      "Global rate limit",
			Category:  domain.CategoryRateLimit,
			Condition: "resources.requests_per_min > 48.0",
			Action:    domain.ActionWarn,
			Message:   "rate limit reached, slow down",
			Priority:  50,
			Enabled:   true,
		},
		{
			ID:        "business_hours",
			Name:      "Business hours",
			Category:  domain.CategoryTime,
			Condition: "!time.business_hours",
			Action:    domain.ActionRequireApproval,
			Message:   "outside business hours",
			AppliesTo: []domain.JobProfile{domain.ProfileBusinessOperation},
			Priority:  70,
			Enabled:   true,
		},
		{
			ID:        "approval_network",
			Name:      "Network approval",
			Category:  domain.CategoryNetwork,
			Condition: "'network-call' in job.capabilities",
			Action:    domain.ActionRequireApproval,
			Message:   "network operation requires approval",
			AppliesTo: []domain.JobProfile{domain.ProfileExternalAPIUsage, domain.ProfileIntegration},
			Priority:  70,
			Enabled:   true,
		},
		{
			ID:        "approval_critical",
			Name:      "Critical operation approval",
			Category:  domain.CategoryApproval,
			Condition: "job.risk_score >= 70",
			Action:    domain.ActionRequireApproval,
			Message:   "high risk operation requires manual approval",
			AppliesTo: []domain.JobProfile{domain.ProfileBusinessOperation},
			Priority:  80,
			Enabled:   true,
		},
		{
			ID:        "cost_limit",
			Name:      "Daily cost limit",
			Category:  domain.CategoryCost,
			Condition: "cost.limit > 0.0 && cost.projected > cost.limit",
			Action:    domain.ActionBlock,
			Message:   "daily cost limit exceeded",
			AppliesTo: []domain.JobProfile{domain.ProfileExternalAPIUsage, domain.ProfileContentGeneration},
			Priority:  90,
			Enabled:   true,
		},
		{
			ID:        "cost_near_limit",
			Name:      "Daily cost near limit",
			Category:  domain.CategoryCost,
			Condition: "cost.limit > 0.0 && cost.today > cost.limit * 0.9",
			Action:    domain.ActionWarn,
			Message:   "daily cost is above 90% of the limit",
			AppliesTo: []domain.JobProfile{domain.ProfileExternalAPIUsage, domain.ProfileContentGeneration},
			Priority:  40,
			Enabled:   true,
		},
		{
			ID:        "data_privacy",
			Name:      "Data privacy",
			Category:  domain.CategoryCompliance,
			Condition: "data.has_pii",
			Action:    domain.ActionBlock,
			Message:   "personal data processing is not allowed",
			AppliesTo: []domain.JobProfile{domain.ProfileDataProcessing, domain.ProfileBusinessOperation},
			Priority:  95,
			Enabled:   true,
		},
		{
			ID:        "audit_all",
			Name:      "Audit everything",
			Category:  domain.CategorySecurity,
			Condition: "true",
			Action:    domain.ActionLog,
			Message:   "event recorded",
			Priority:  0,
			Enabled:   true,
		},
	}
}

type rulesFile struct {
	Rules []domain.PolicyRule `yaml:"rules"`
}

// LoadRules читает YAML вида `rules: [...]`. Действие нормализуется (approve -> require-approval).
func LoadRules(r io.Reader) ([]domain.PolicyRule, error) {
	var f rulesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("policy: decode rules: %w", err)
	}
	for i := range f.Rules {
		a, err := domain.ParseRuleAction(string(f.Rules[i].Action))
		if err != nil {
			return nil, fmt.Errorf("policy: rule %s: %w", f.Rules[i].ID, err)
		}
		f.Rules[i].Action = a
	}
	return f.Rules, nil
}

func LoadRulesFile(path string) ([]domain.PolicyRule, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return LoadRules(fh)
}

// WriteRules сериализует правила в тот же формат (skillctl rules).
func WriteRules(w io.Writer, rules []domain.PolicyRule) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rulesFile{Rules: rules}); err != nil {
		return err
	}
	return enc.Close()
}
