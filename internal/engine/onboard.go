package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/manifest"
	"github.com/xela07ax/skillgate/internal/source"
)

type Registrar interface {
	Register(ctx context.Context, m domain.SkillManifest) (domain.SkillRecord, error)
	Get(ctx context.Context, id, version string) (domain.SkillRecord, error)
	List(ctx context.Context) ([]domain.SkillRecord, error)
}

// Evaluator: Safety Gate.
type Evaluator interface {
	Evaluate(ctx context.Context, rec domain.SkillRecord, bundle domain.Bundle) (domain.Verdict, error)
}

// Onboarding: регистрация навыка и его проверка до первого запуска.
type Onboarding struct {
	registry Registrar
	source   source.Source
	gate     Evaluator
	logger   *zap.Logger
}

func NewOnboarding(reg Registrar, src source.Source, gate Evaluator, logger *zap.Logger) *Onboarding {
	return &Onboarding{registry: reg, source: src, gate: gate, logger: logger.Named("onboarding")}
}

// Submit разбирает манифест, регистрирует его в STAGING и сразу проверяет бандл.
// Если источник недоступен, запись остается в STAGING до Recheck.
func (o *Onboarding) Submit(ctx context.Context, raw []byte) (domain.SkillRecord, domain.Verdict, error) {
	m, err := manifest.Parse(raw)
	if err != nil {
		return domain.SkillRecord{}, domain.Verdict{}, err
	}
	rec, err := o.registry.Register(ctx, m)
	if err != nil {
		return domain.SkillRecord{}, domain.Verdict{}, err
	}
	o.logger.Info("skill registered", zap.String("skill", rec.Key()), zap.String("digest", m.Digest))
	return o.evaluate(ctx, rec)
}

// Recheck повторяет проверку записи, застрявшей в STAGING.
func (o *Onboarding) Recheck(ctx context.Context, id, version string) (domain.SkillRecord, domain.Verdict, error) {
	rec, err := o.registry.Get(ctx, id, version)
	if err != nil {
		return domain.SkillRecord{}, domain.Verdict{}, err
	}
	return o.evaluate(ctx, rec)
}

func (o *Onboarding) evaluate(ctx context.Context, rec domain.SkillRecord) (domain.SkillRecord, domain.Verdict, error) {
	bundle, err := o.source.Fetch(ctx, rec.Manifest.ID, rec.Manifest.Version)
	if err != nil {
		return rec, domain.Verdict{}, fmt.Errorf("fetch %s: %w", rec.Key(), err)
	}
	v, err := o.gate.Evaluate(ctx, rec, bundle)
	if updated, gerr := o.registry.Get(ctx, rec.Manifest.ID, rec.Manifest.Version); gerr == nil {
		rec = updated
	}
	return rec, v, err
}

func (o *Onboarding) Get(ctx context.Context, id, version string) (domain.SkillRecord, error) {
	return o.registry.Get(ctx, id, version)
}

func (o *Onboarding) List(ctx context.Context) ([]domain.SkillRecord, error) {
	return o.registry.List(ctx)
}
