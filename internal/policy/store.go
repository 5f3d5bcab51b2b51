package policy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra"
)

// RuleRepository: источник истины для правил (Postgres, файл).
type RuleRepository interface {
	ListRules(ctx context.Context) ([]domain.PolicyRule, error)
}

// StaticRules: репозиторий поверх фиксированного списка (дефолтный пакет, YAML-файл).
type StaticRules []domain.PolicyRule

func (s StaticRules) ListRules(context.Context) ([]domain.PolicyRule, error) {
	return append([]domain.PolicyRule(nil), s...), nil
}

// Store: in-memory кэш активного набора правил. В рантайме шлюз читает только память,
// репозиторий трогает Refresh. Набор меняется атомарно целиком.
type Store struct {
	engine  *Engine
	repo    RuleRepository
	current atomic.Pointer[RuleSet]
	logger  *zap.Logger
}

func NewStore(engine *Engine, repo RuleRepository, logger *zap.Logger) *Store {
	s := &Store{engine: engine, repo: repo, logger: logger.Named("policy_store")}
	s.current.Store(&RuleSet{})
	return s
}

// Current: снимок набора для одной оценки.
func (s *Store) Current() RuleSet {
	return *s.current.Load()
}

// Refresh загружает правила и подменяет набор. Если хоть одно правило не компилируется,
// остается прежний набор: частично загруженная политика могла бы потерять block-правило.
func (s *Store) Refresh(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("policy: load rules: %w", err)
	}
	set, err := s.engine.Compile(rules)
	if err != nil {
		s.logger.Error("policy refresh rejected, keeping previous rule set", zap.Error(err))
		return err
	}
	s.current.Store(&set)
	s.logger.Info("policy cache refreshed", zap.Int("count", set.Len()))
	return nil
}

// Listen перезагружает набор по сигналу devit:policies:update (и при каждом переподключении).
func (s *Store) Listen(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, s.logger, infra.RedisChanPolicyUpdate, s.Refresh, func(payload string) {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("policy update not applied", zap.String("payload", payload), zap.Error(err))
		}
	})
}

// PublishUpdate: консоль сообщает репликам о смене правил.
func PublishUpdate(ctx context.Context, rdb *redis.Client, ruleID string) error {
	return rdb.Publish(ctx, infra.RedisChanPolicyUpdate, ruleID).Err()
}
