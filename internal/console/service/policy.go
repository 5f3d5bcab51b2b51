package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/policy"
)

// PolicyRepository описывает требования сервиса к хранилищу правил
type PolicyRepository interface {
	GetRule(ctx context.Context, id string) (domain.PolicyRule, error)
	ListRules(ctx context.Context) ([]domain.PolicyRule, error)
	CreateRule(ctx context.Context, rule *domain.PolicyRule) error
	UpdateRule(ctx context.Context, rule *domain.PolicyRule) error
	DeleteRule(ctx context.Context, id string) error
}

type PolicyService struct {
	repo   PolicyRepository
	engine *policy.Engine
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPolicyService(repo PolicyRepository, engine *policy.Engine, rdb *redis.Client, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		repo:   repo,
		engine: engine,
		rdb:    rdb,
		logger: logger.Named("policy-service"),
	}
}

func (s *PolicyService) GetByID(ctx context.Context, id string) (domain.PolicyRule, error) {
	return s.repo.GetRule(ctx, id)
}

// GetAll возвращает все правила в порядке вычисления
func (s *PolicyService) GetAll(ctx context.Context) ([]domain.PolicyRule, error) {
	return s.repo.ListRules(ctx)
}

// Create компилирует правило, сохраняет и уведомляет шлюзы.
// Правило, которое не компилируется, в БД не попадает.
func (s *PolicyService) Create(ctx context.Context, rule *domain.PolicyRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := s.validate(*rule); err != nil {
		return err
	}
	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return err
	}
	s.notifyUpdate(ctx, rule.ID)
	return nil
}

func (s *PolicyService) Update(ctx context.Context, rule *domain.PolicyRule) error {
	if err := s.validate(*rule); err != nil {
		return err
	}
	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return err
	}
	s.notifyUpdate(ctx, rule.ID)
	return nil
}

func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate(ctx, id)
	return nil
}

func (s *PolicyService) validate(rule domain.PolicyRule) error {
	if err := s.engine.Validate(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// notifyUpdate: все реплики шлюза, подписанные на канал, перечитают таблицу.
// Правило уже сохранено, поэтому сбой сигнала только логируется: реплики
// перечитают правила при переподключении подписки.
func (s *PolicyService) notifyUpdate(ctx context.Context, ruleID string) {
	if err := policy.PublishUpdate(ctx, s.rdb, ruleID); err != nil {
		s.logger.Warn("policy update signal failed", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	s.logger.Info("policy update published", zap.String("rule_id", ruleID))
}
