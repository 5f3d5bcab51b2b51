package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/approval"
	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/lifecycle"
	"github.com/xela07ax/skillgate/internal/policy"
	"github.com/xela07ax/skillgate/internal/risk"
	"github.com/xela07ax/skillgate/internal/source"
)

type SkillResolver interface {
	Resolve(ctx context.Context, id, version string) (domain.SkillRecord, error)
}

// RuleSource: активный набор правил (policy.Store).
type RuleSource interface {
	Current() policy.RuleSet
}

type Approver interface {
	Obtain(ctx context.Context, ref approval.RunRef) (*domain.ApprovalRequest, error)
}

type Spawner interface {
	Spawn(ctx context.Context, req lifecycle.SpawnRequest) (*lifecycle.Agent, error)
}

// RunRequest: просьба исполнить навык. Requester берется из токена, не из тела.
type RunRequest struct {
	RunID     string
	SkillID   string
	Version   string // пусто или "latest": старшая LIVE версия
	Requester string

	// Capabilities: что выдать агенту. nil означает все заявленные манифестом.
	Capabilities domain.CapabilitySet

	Input           json.RawMessage
	Data            domain.DataFlags
	Deadline        time.Duration
	Env             map[string]string
	RetainArtifacts *bool
}

// RunResult заполняется по мере прохождения шагов и возвращается и при ошибке.
type RunResult struct {
	RunID      string            `json:"run_id"`
	Skill      string            `json:"skill"`
	Decision   *domain.Decision  `json:"decision,omitempty"`
	Assessment *risk.Assessment  `json:"assessment,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Agent      *lifecycle.Result `json:"agent,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
}

// Gateway проводит запуск по цепочке: реестр, правила, подтверждение, агент.
type Gateway struct {
	skills    SkillResolver
	source    source.Source
	rules     RuleSource
	analyzer  *risk.Analyzer
	approvals Approver
	agents    Spawner
	contexts  *ContextProvider
	sink      audit.Sink
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func NewGateway(
	skills SkillResolver,
	src source.Source,
	rules RuleSource,
	analyzer *risk.Analyzer,
	approvals Approver,
	agents Spawner,
	contexts *ContextProvider,
	sink audit.Sink,
	metrics *Metrics,
	logger *zap.Logger,
	opts ...Option,
) *Gateway {
	if sink == nil {
		sink = audit.Discard{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	g := &Gateway{
		skills:    skills,
		source:    src,
		rules:     rules,
		analyzer:  analyzer,
		approvals: approvals,
		agents:    agents,
		contexts:  contexts,
		sink:      sink,
		metrics:   metrics,
		logger:    logger.Named("gateway"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run: resolve -> проверка гранта -> бандл -> правила -> риск и подтверждение ->
// агент. Любой отказ до Spawn означает, что агент не создавался.
func (g *Gateway) Run(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	start := g.now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	res = &RunResult{RunID: req.RunID}
	skillLabel := req.SkillID

	defer func() {
		outcome := runOutcome(err)
		g.metrics.RunsTotal.WithLabelValues(outcome).Inc()
		g.metrics.RunDuration.WithLabelValues(skillLabel, outcome).Observe(g.now().Sub(start).Seconds())
	}()

	if req.SkillID == "" || req.Requester == "" {
		return res, fmt.Errorf("%w: skill_id and requester are required", ErrBadRequest)
	}

	rec, err := g.skills.Resolve(ctx, req.SkillID, req.Version)
	if err != nil {
		return res, err
	}
	res.Skill = rec.Key()
	if !rec.Executable() {
		return res, fmt.Errorf("%w: %s is %s", domain.ErrNotLive, rec.Key(), rec.State)
	}
	m := rec.Manifest

	granted := req.Capabilities
	if granted == nil {
		granted = m.Capabilities.Clone()
	}
	if !granted.SubsetOf(m.Capabilities) {
		return res, fmt.Errorf("%w: %v not declared by %s", domain.ErrGrantExceedsManifest, granted.Missing(m.Capabilities), rec.Key())
	}

	bundle, err := g.source.Fetch(ctx, m.ID, m.Version)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", rec.Key(), err)
	}
	if err := rec.CheckBundle(bundle); err != nil {
		g.logger.Error("bundle differs from vetted content", zap.String("skill", rec.Key()), zap.Error(err))
		g.sink.Emit(ctx, audit.Event{
			Kind:      audit.KindBundleMismatch,
			SubjectID: rec.Key(),
			SkillID:   m.ID,
			Requester: req.Requester,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"vetted": rec.BundleDigest(), "run_id": req.RunID},
			Timestamp: g.now(),
		})
		return res, err
	}

	end := g.contexts.Begin(m)
	defer end()

	tier := g.analyzer.Tier(m, granted)
	jc, err := g.contexts.Snapshot(ctx, Job{
		Manifest:  m,
		Granted:   granted,
		Requester: req.Requester,
		RiskTier:  tier,
		RiskScore: g.analyzer.Score(m, granted),
		Data:      req.Data,
	})
	if err != nil {
		return res, err
	}

	decision := policy.Evaluate(jc, g.rules.Current())
	res.Decision = &decision
	g.recordDecision(ctx, req, rec, decision)
	if err := policy.Err(decision); err != nil {
		return res, err
	}

	assessment := g.analyzer.Assess(risk.Input{Manifest: m, Granted: granted, Decision: decision, Payload: req.Input})
	res.Assessment = &assessment

	var grant *domain.ApprovalRequest
	if assessment.RequiresApproval {
		grant, err = g.approvals.Obtain(ctx, approval.RunRef{
			RunID:        req.RunID,
			SkillID:      m.ID,
			SkillVersion: m.Version,
			Requester:    req.Requester,
			Capabilities: granted,
			RiskTier:     assessment.Tier,
			Reasons:      assessment.Reasons,
		})
		if grant != nil {
			res.ApprovalID = grant.ID
			g.metrics.Approvals.WithLabelValues(string(grant.State)).Inc()
		}
		if err != nil {
			return res, err
		}
	}

	agent, err := g.agents.Spawn(ctx, lifecycle.SpawnRequest{
		Record:           rec,
		Bundle:           bundle,
		Granted:          granted,
		Deadline:         req.Deadline,
		Requester:        req.Requester,
		Input:            req.Input,
		Env:              req.Env,
		ApprovalRequired: assessment.RequiresApproval,
		Approval:         grant,
		RetainArtifacts:  req.RetainArtifacts,
	})
	if err != nil {
		return res, err
	}

	// агент создан: стоимость списывается при любом исходе исполнения
	if err := g.contexts.Charge(context.WithoutCancel(ctx), req.Requester, m.Resources.EstimatedCost); err != nil {
		g.logger.Error("cost ledger charge failed", zap.String("requester", req.Requester), zap.Error(err))
	}

	out, err := agent.Execute(ctx)
	res.Agent = &out
	if json.Valid(out.Stdout) {
		res.Output = out.Stdout
	}
	if err != nil {
		return res, err
	}

	g.logger.Info("run completed",
		zap.String("run_id", req.RunID),
		zap.String("skill", rec.Key()),
		zap.String("agent_id", out.AgentID),
		zap.Duration("duration", out.Duration))
	return res, nil
}

func (g *Gateway) recordDecision(ctx context.Context, req RunRequest, rec domain.SkillRecord, d domain.Decision) {
	g.metrics.observeDecision(d)

	for _, w := range d.Warnings {
		g.logger.Warn("policy warning",
			zap.String("run_id", req.RunID),
			zap.String("skill", rec.Key()),
			zap.String("rule", w.ID),
			zap.String("message", w.Message))
	}
	for _, e := range d.Errors {
		g.logger.Error("policy rule evaluation failed", zap.String("run_id", req.RunID), zap.String("error", e))
	}

	reason := "allowed"
	switch {
	case !d.CanExecute:
		reason = "blocked"
	case d.RequiresApproval:
		reason = "approval required"
	}
	g.sink.Emit(ctx, audit.Event{
		Kind:      audit.KindPolicyDecision,
		SubjectID: req.RunID,
		SkillID:   rec.Manifest.ID,
		Requester: req.Requester,
		Reason:    reason,
		Payload: map[string]interface{}{
			"skill_version":     rec.Manifest.Version,
			"can_execute":       d.CanExecute,
			"requires_approval": d.RequiresApproval,
			"violations":        ruleIDs(d.Violations),
			"warnings":          ruleIDs(d.Warnings),
			"approval_rules":    ruleIDs(d.ApprovalRules),
			"logged":            ruleIDs(d.Logged),
			"notified":          ruleIDs(d.Notified),
			"errors":            d.Errors,
		},
		Timestamp: g.now(),
	})
}

func ruleIDs(refs []domain.RuleRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

// runOutcome: метка исхода для метрик.
func runOutcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrPolicyViolationBlocking):
		return "blocked"
	case errors.Is(err, domain.ErrApprovalDenied):
		return "approval_denied"
	case errors.Is(err, domain.ErrApprovalExpired):
		return "approval_expired"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, domain.ErrSandboxTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrCapabilityDeniedAtRuntime):
		return "capability_denied"
	case errors.Is(err, lifecycle.ErrAgentKilled):
		return "killed"
	}
	return "failed"
}
