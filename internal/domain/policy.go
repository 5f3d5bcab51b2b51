package domain

import (
	"fmt"
	"strings"
	"time"
)

// RuleCategory группирует правила по природе проверяемого условия.
type RuleCategory string

const (
	CategoryResource   RuleCategory = "resource"
	CategoryRateLimit  RuleCategory = "rate_limit"
	CategoryTime       RuleCategory = "time"
	CategoryCost       RuleCategory = "cost"
	CategoryNetwork    RuleCategory = "network"
	CategorySecurity   RuleCategory = "security"
	CategoryPermission RuleCategory = "permission"
	CategoryApproval   RuleCategory = "approval"
	CategoryQuality    RuleCategory = "quality"
	CategoryCompliance RuleCategory = "compliance"
	CategoryCustom     RuleCategory = "custom"
)

// RuleAction определяет эффект сработавшего правила.
type RuleAction string

const (
	ActionBlock           RuleAction = "block"
	ActionWarn            RuleAction = "warn"
	ActionRequireApproval RuleAction = "require-approval"
	ActionLog             RuleAction = "log"
	ActionNotify          RuleAction = "notify"
)

func ParseRuleAction(s string) (RuleAction, error) {
	a := RuleAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionBlock, ActionWarn, ActionRequireApproval, ActionLog, ActionNotify:
		return a, nil
	case "approve":
		return ActionRequireApproval, nil
	}
	return "", fmt.Errorf("unknown rule action %q", s)
}

// JobProfile: класс задачи, к которому может быть привязано правило.
type JobProfile string

const (
	ProfileDataProcessing    JobProfile = "data_processing"
	ProfileCommunication     JobProfile = "communication"
	ProfileAutomation        JobProfile = "automation"
	ProfileContentGeneration JobProfile = "content_generation"
	ProfileBusinessOperation JobProfile = "business_operation"
	ProfileSystemMaintenance JobProfile = "system_maintenance"
	ProfileIntegration       JobProfile = "integration"
	ProfileExternalAPIUsage  JobProfile = "external_api_usage"
)

// ProfileBaseRisk: базовый риск профиля 0..100, попадает в контекст правил.
var ProfileBaseRisk = map[JobProfile]int{
	ProfileDataProcessing:    30,
	ProfileCommunication:     40,
	ProfileAutomation:        50,
	ProfileContentGeneration: 20,
	ProfileBusinessOperation: 60,
	ProfileSystemMaintenance: 70,
	ProfileIntegration:       45,
	ProfileExternalAPIUsage:  55,
}

// PolicyRule: условие (CEL-предикат над снимком JobContext) плюс действие.
// Пустой AppliesTo означает глобальное правило.
type PolicyRule struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Category  RuleCategory `json:"category" yaml:"category"`
	Condition string       `json:"condition" yaml:"condition"`
	Action    RuleAction   `json:"action" yaml:"action"`
	Message   string       `json:"message,omitempty" yaml:"message,omitempty"`
	AppliesTo []JobProfile `json:"applies_to,omitempty" yaml:"applies_to,omitempty"`
	Priority  int          `json:"priority" yaml:"priority"`
	Enabled   bool         `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"-"`
}

// AppliesToProfile: глобальное правило применимо к любому профилю.
func (r PolicyRule) AppliesToProfile(p JobProfile) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	for _, scoped := range r.AppliesTo {
		if scoped == p {
			return true
		}
	}
	return false
}

func (r PolicyRule) Ref() RuleRef {
	return RuleRef{ID: r.ID, Name: r.Name, Category: r.Category, Action: r.Action, Message: r.Message}
}

// RuleRef: ссылка на правило в решении, без условия.
type RuleRef struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Category RuleCategory `json:"category"`
	Action   RuleAction   `json:"action"`
	Message  string       `json:"message,omitempty"`
}

// ResourceSnapshot: загрузка системы на момент оценки.
type ResourceSnapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       float64 `json:"memory_mb"`
	ActiveAgents   int     `json:"active_agents"`
	CapacityUsed   float64 `json:"capacity_used"` // доля 0..1
	RequestsPerMin float64 `json:"requests_per_min"`
}

// CostSnapshot: накопленные расходы инициатора.
type CostSnapshot struct {
	Today       float64 `json:"today"`
	DailyLimit  float64 `json:"daily_limit"`
	RunEstimate float64 `json:"run_estimate"`
}

// DataFlags: признаки чувствительности данных задачи.
type DataFlags struct {
	HasPII      bool     `json:"has_pii"`
	Sensitivity string   `json:"sensitivity,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// JobContext: неизменяемый снимок состояния для одной оценки правил.
type JobContext struct {
	SkillID      string           `json:"skill_id"`
	Requester    string           `json:"requester"`
	Profile      JobProfile       `json:"profile"`
	RiskTier     RiskTier         `json:"risk_tier"`
	RiskScore    int              `json:"risk_score"`
	Capabilities CapabilitySet    `json:"capabilities"`
	Resources    ResourceSnapshot `json:"resources"`
	Cost         CostSnapshot     `json:"cost"`
	Data         DataFlags        `json:"data"`
	Now          time.Time        `json:"now"`
}

// Decision: объединение эффектов всех применимых правил.
type Decision struct {
	CanExecute       bool      `json:"can_execute"`
	Violations       []RuleRef `json:"violations"`
	Warnings         []RuleRef `json:"warnings"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalRules    []RuleRef `json:"approval_rules,omitempty"`
	Logged           []RuleRef `json:"logged,omitempty"`
	Notified         []RuleRef `json:"notified,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
}
