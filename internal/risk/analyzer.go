package risk

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
)

// DefaultFloors: минимальный уровень риска, который несет сама способность,
// независимо от того, что автор указал в манифесте.
var DefaultFloors = map[domain.Capability]domain.RiskTier{
	domain.CapUseCredentials: domain.RiskMedium,
	domain.CapExecutePayment: domain.RiskHigh,
}

var tierBump = map[domain.RiskTier]int{
	domain.RiskLow:    0,
	domain.RiskMedium: 15,
	domain.RiskHigh:   30,
}

// Input: все, что нужно для решения о подтверждении одного запуска.
type Input struct {
	Manifest domain.SkillManifest
	Granted  domain.CapabilitySet
	Decision domain.Decision
	// Payload: параметры запуска (JSON), по ним срабатывают динамические пороги.
	Payload []byte
}

// Assessment: итог анализа. RequiresApproval=false означает неявный грант.
type Assessment struct {
	Tier             domain.RiskTier `json:"tier"`
	Score            int             `json:"score"`
	RequiresApproval bool            `json:"requires_approval"`
	Reasons          []string        `json:"reasons,omitempty"`
}

type Analyzer struct {
	floors     map[domain.Capability]domain.RiskTier
	thresholds map[string]float64
	logger     *zap.Logger
}

type Option func(*Analyzer)

// WithThreshold: поле payload, при превышении которого нужен человек (например, "amount").
func WithThreshold(field string, limit float64) Option {
	return func(a *Analyzer) { a.thresholds[field] = limit }
}

func NewAnalyzer(logger *zap.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		floors:     DefaultFloors,
		thresholds: make(map[string]float64),
		logger:     logger.Named("analyzer"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Tier: уровень манифеста, поднятый до пола запрошенных способностей.
func (a *Analyzer) Tier(m domain.SkillManifest, granted domain.CapabilitySet) domain.RiskTier {
	tier := m.RiskTier
	for c := range granted {
		if floor, ok := a.floors[c]; ok {
			tier = tier.Max(floor)
		}
	}
	return tier
}

// Score: числовой риск 0..100 для контекста правил (job.risk_score).
func (a *Analyzer) Score(m domain.SkillManifest, granted domain.CapabilitySet) int {
	score := domain.ProfileBaseRisk[m.Profile] + tierBump[a.Tier(m, granted)]
	if granted.Contains(domain.CapExecutePayment) {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Assess решает, нужен ли двойной confirm: уровень MEDIUM и выше, флаг политики
// или превышенный динамический порог.
func (a *Analyzer) Assess(in Input) Assessment {
	tier := a.Tier(in.Manifest, in.Granted)
	out := Assessment{Tier: tier, Score: a.Score(in.Manifest, in.Granted)}

	if tier != in.Manifest.RiskTier {
		out.Reasons = append(out.Reasons, fmt.Sprintf("capabilities raise risk tier %s -> %s", in.Manifest.RiskTier, tier))
	}
	if tier.RequiresApproval() {
		out.RequiresApproval = true
		out.Reasons = append(out.Reasons, fmt.Sprintf("risk tier %s", tier))
	}
	if in.Decision.RequiresApproval {
		out.RequiresApproval = true
		for _, r := range in.Decision.ApprovalRules {
			out.Reasons = append(out.Reasons, "policy "+r.ID+": "+r.Message)
		}
	}
	if reason, hit := a.threshold(in.Payload); hit {
		out.RequiresApproval = true
		out.Reasons = append(out.Reasons, reason)
	}
	return out
}

func (a *Analyzer) threshold(payload []byte) (string, bool) {
	if len(a.thresholds) == 0 || len(payload) == 0 {
		return "", false
	}
	var requestData map[string]interface{}
	if err := json.Unmarshal(payload, &requestData); err != nil {
		// Непарсящийся payload: порог проверить нельзя, зовем человека.
		a.logger.Error("failed to unmarshal run payload for risk analysis", zap.Error(err))
		return "payload is not analyzable", true
	}
	for field, limit := range a.thresholds {
		raw, ok := requestData[field]
		if !ok {
			continue
		}
		// В JSON числа всегда парсятся в float64
		if val, ok := raw.(float64); ok && val > limit {
			a.logger.Warn("dynamic approval triggered",
				zap.String("field", field),
				zap.Float64("value", val),
				zap.Float64("threshold", limit))
			return fmt.Sprintf("%s %.2f exceeds %.2f", field, val, limit), true
		}
	}
	return "", false
}
