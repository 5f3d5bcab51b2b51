package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/lifecycle"
)

// AgentService: управление живыми агентами. Агенты живут в памяти реплик
// шлюза, поэтому консоль действует только сигналами.
type AgentService struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewAgentService(rdb *redis.Client, logger *zap.Logger) *AgentService {
	return &AgentService{
		rdb:    rdb,
		logger: logger.Named("agent-service"),
	}
}

// KillAgent: kill-switch. Сигнал идемпотентен, реплика без такого агента его игнорирует.
func (s *AgentService) KillAgent(ctx context.Context, agentID, operator string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrBadRequest)
	}
	if err := lifecycle.PublishKill(ctx, s.rdb, agentID); err != nil {
		s.logger.Error("kill signal delivery failed", zap.String("agent_id", agentID), zap.Error(err))
		return fmt.Errorf("kill-switch signal: %w", err)
	}
	s.logger.Warn("kill-switch activated",
		zap.String("agent_id", agentID),
		zap.String("operator", operator))
	return nil
}
