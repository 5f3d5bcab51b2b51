package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/sandbox"
)

// ErrAlreadyEvaluated: LIVE версия повторно не проверяется.
var ErrAlreadyEvaluated = errors.New("skill already evaluated")

// DefaultTrialTimeout: жесткий дедлайн пробного запуска.
const DefaultTrialTimeout = 4 * time.Second

// Registry: переходы записи, которыми распоряжается только Gate.
type Registry interface {
	Promote(ctx context.Context, id, version string, v domain.Verdict) (domain.SkillRecord, error)
	Quarantine(ctx context.Context, id, version string, v domain.Verdict) (domain.SkillRecord, error)
}

type Gate struct {
	registry Registry
	static   *StaticAnalyzer
	runtime  sandbox.Runtime
	sink     audit.Sink
	logger   *zap.Logger
	trial    time.Duration
	now      func() time.Time
	observe  func(domain.Verdict)
}

type Option func(*Gate)

func WithTrialTimeout(d time.Duration) Option    { return func(g *Gate) { g.trial = d } }
func WithClock(now func() time.Time) Option      { return func(g *Gate) { g.now = now } }
func WithObserver(f func(domain.Verdict)) Option { return func(g *Gate) { g.observe = f } }

func NewGate(reg Registry, static *StaticAnalyzer, rt sandbox.Runtime, sink audit.Sink, logger *zap.Logger, opts ...Option) *Gate {
	if sink == nil {
		sink = audit.Discard{}
	}
	g := &Gate{
		registry: reg,
		static:   static,
		runtime:  rt,
		sink:     sink,
		logger:   logger.Named("safety_gate"),
		trial:    DefaultTrialTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate: статическая проверка, затем пробный запуск без выданных способностей.
// CLEAR переводит запись в LIVE, UNSAFE в QUARANTINE и возвращает RejectError.
func (g *Gate) Evaluate(ctx context.Context, rec domain.SkillRecord, bundle domain.Bundle) (domain.Verdict, error) {
	m := rec.Manifest
	switch rec.State {
	case domain.SkillLive:
		return domain.Verdict{}, fmt.Errorf("%w: %s", ErrAlreadyEvaluated, m.Key())
	case domain.SkillQuarantine:
		return domain.Verdict{}, fmt.Errorf("%w: %s", domain.ErrQuarantined, m.Key())
	}

	report := g.static.Inspect(ctx, m, bundle)
	if !report.Clear() {
		return g.reject(ctx, m, domain.Verdict{
			Outcome:  domain.VerdictUnsafe,
			Stage:    domain.StageStatic,
			Reason:   report.Reason(),
			Findings: report.Findings,
		})
	}

	if finding, ok := g.trialRun(ctx, m, bundle); !ok {
		return g.reject(ctx, m, domain.Verdict{
			Outcome:  domain.VerdictUnsafe,
			Stage:    domain.StageDynamic,
			Reason:   describe(finding),
			Findings: []domain.Finding{finding},
		})
	}

	digest, err := bundle.Digest()
	if err != nil {
		return domain.Verdict{}, err
	}
	v := domain.Verdict{Outcome: domain.VerdictClear, Stage: domain.StageDynamic, At: g.now(), BundleDigest: digest}
	if _, err := g.registry.Promote(ctx, m.ID, m.Version, v); err != nil {
		return v, fmt.Errorf("promote %s: %w", m.Key(), err)
	}
	g.record(ctx, m, v)
	return v, nil
}

// trialRun: заявленные способности мягко отклоняются, незаявленные, trap и таймаут валят пробу.
func (g *Gate) trialRun(ctx context.Context, m domain.SkillManifest, bundle domain.Bundle) (domain.Finding, bool) {
	trialCtx, cancel := context.WithTimeout(ctx, g.trial)
	defer cancel()

	out, err := g.runtime.Run(trialCtx, sandbox.Execution{
		AgentID:    "trial-" + uuid.NewString(),
		SkillKey:   m.Key(),
		Entrypoint: m.Entrypoint,
		Bundle:     bundle,
		Input:      []byte("{}"),
		Env:        map[string]string{},
		Guard:      sandbox.TrialGuard(m.Capabilities),
	})
	g.logger.Debug("trial finished",
		zap.String("skill", m.Key()),
		zap.Duration("duration", out.Duration),
		zap.Int("capability_uses", len(out.Uses)),
		zap.Error(err))

	switch {
	case err == nil:
		return domain.Finding{}, true
	case errors.Is(err, domain.ErrSandboxTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.Finding{Rule: RuleTrialTimeout, File: m.Entrypoint, Message: fmt.Sprintf("trial exceeded %s", g.trial)}, false
	case errors.Is(err, domain.ErrCapabilityDeniedAtRuntime):
		return domain.Finding{Rule: RuleTrialCapability, File: m.Entrypoint, Message: err.Error()}, false
	}
	return domain.Finding{Rule: RuleTrialFault, File: m.Entrypoint, Message: err.Error()}, false
}

func (g *Gate) reject(ctx context.Context, m domain.SkillManifest, v domain.Verdict) (domain.Verdict, error) {
	v.At = g.now()
	if _, err := g.registry.Quarantine(ctx, m.ID, m.Version, v); err != nil {
		return v, fmt.Errorf("quarantine %s: %w", m.Key(), err)
	}
	g.record(ctx, m, v)
	g.logger.Warn("skill rejected",
		zap.String("skill", m.Key()),
		zap.String("stage", string(v.Stage)),
		zap.String("reason", v.Reason))
	return v, &domain.RejectError{SkillID: m.ID, Version: m.Version, Reason: v.Reason}
}

func (g *Gate) record(ctx context.Context, m domain.SkillManifest, v domain.Verdict) {
	to := domain.SkillLive
	if v.Outcome == domain.VerdictUnsafe {
		to = domain.SkillQuarantine
	}
	findings := make([]interface{}, 0, len(v.Findings))
	for _, f := range v.Findings {
		findings = append(findings, map[string]interface{}{
			"rule": f.Rule, "file": f.File, "line": f.Line, "message": f.Message,
		})
	}
	g.sink.Emit(ctx, audit.Event{
		Kind:      audit.KindSafetyVerdict,
		SubjectID: m.Key(),
		SkillID:   m.ID,
		From:      string(domain.SkillStaging),
		To:        string(to),
		Reason:    v.Reason,
		Payload: map[string]interface{}{
			"outcome":  string(v.Outcome),
			"stage":    string(v.Stage),
			"version":  m.Version,
			"digest":   m.Digest,
			"bundle":   v.BundleDigest,
			"findings": findings,
		},
		Timestamp: v.At,
	})
	if g.observe != nil {
		g.observe(v)
	}
}
