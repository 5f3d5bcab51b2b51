package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/approval"
	"github.com/xela07ax/skillgate/internal/domain"
)

// ApprovalReader: консоль только читает запросы, пишет их approval.Gate шлюза.
type ApprovalReader interface {
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	List(ctx context.Context, state domain.ApprovalState) ([]*domain.ApprovalRequest, error)
}

type ApprovalService struct {
	repo   ApprovalReader
	rdb    *redis.Client
	logger *zap.Logger
}

func NewApprovalService(repo ApprovalReader, rdb *redis.Client, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("approval-service"),
	}
}

func (s *ApprovalService) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return s.repo.Get(ctx, id)
}

// GetApprovals: очередь решений. Пустой статус означает все запросы.
func (s *ApprovalService) GetApprovals(ctx context.Context, status string) ([]*domain.ApprovalRequest, error) {
	state := domain.ApprovalState(strings.ToUpper(status))
	switch state {
	case "", domain.ApprovalPendingConfirm, domain.ApprovalPendingSecret,
		domain.ApprovalGranted, domain.ApprovalDenied, domain.ApprovalExpired:
	default:
		return nil, fmt.Errorf("%w: unknown approval state %q", ErrBadRequest, status)
	}
	return s.repo.List(ctx, state)
}

// DecideApproval передает решение первого шага (подтверждение) шлюзу.
// reviewerID нужен для подотчетности и попадает в лог консоли.
func (s *ApprovalService) DecideApproval(ctx context.Context, id string, approved bool, reviewerID, comment string) error {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.State != domain.ApprovalPendingConfirm {
		return notDecidable(req)
	}

	verdict := approval.VerdictReject
	if approved {
		verdict = approval.VerdictAccept
	}
	if err := approval.PublishDecision(ctx, s.rdb, id, verdict); err != nil {
		// без сигнала запрос истечет по TTL на шлюзе
		s.logger.Error("decision signal not delivered", zap.String("approval_id", id), zap.Error(err))
		return fmt.Errorf("redis signal failure: %w", err)
	}

	s.logger.Info("HITL decision sent",
		zap.String("approval_id", id),
		zap.String("skill", req.SkillID),
		zap.String("reviewer", reviewerID),
		zap.String("verdict", verdict),
		zap.String("comment", comment))
	return nil
}

// DenyApproval отменяет запрос на любом незавершенном шаге.
func (s *ApprovalService) DenyApproval(ctx context.Context, id, reviewerID, reason string) error {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !req.State.Pending() {
		return notDecidable(req)
	}
	if err := approval.PublishDecision(ctx, s.rdb, id, approval.VerdictDeny); err != nil {
		s.logger.Error("deny signal not delivered", zap.String("approval_id", id), zap.Error(err))
		return fmt.Errorf("redis signal failure: %w", err)
	}
	s.logger.Info("HITL deny sent",
		zap.String("approval_id", id),
		zap.String("reviewer", reviewerID),
		zap.String("reason", reason))
	return nil
}

func notDecidable(req *domain.ApprovalRequest) error {
	if req.State.Terminal() {
		return fmt.Errorf("%w: approval %s is %s", domain.ErrApprovalAlreadyResolved, req.ID, req.State)
	}
	return fmt.Errorf("%w: approval %s is %s", domain.ErrInvalidTransition, req.ID, req.State)
}
