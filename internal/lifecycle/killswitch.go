package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/infra"
)

// killedTTL: сколько помнить убитых агентов для реплик, пропустивших сигнал.
const killedTTL = time.Hour

// PublishKill: консоль просит все реплики остановить агента.
func PublishKill(ctx context.Context, rdb *redis.Client, agentID string) error {
	pipe := rdb.TxPipeline()
	pipe.SAdd(ctx, infra.RedisKeyKilledAgents, agentID)
	pipe.Expire(ctx, infra.RedisKeyKilledAgents, killedTTL)
	pipe.Publish(ctx, infra.RedisChanKillSwitch, agentID)
	_, err := pipe.Exec(ctx)
	return err
}

// KillSwitch слушает сигналы остановки и убивает своих агентов.
// Чужие id игнорируются: агент живет на одной реплике.
type KillSwitch struct {
	rdb     *redis.Client
	manager *Manager
	logger  *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, manager *Manager, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{rdb: rdb, manager: manager, logger: logger.Named("kill_switch")}
}

// Listen блокируется до отмены ctx. После переподключения добивает агентов
// из множества убитых.
func (k *KillSwitch) Listen(ctx context.Context) {
	k.logger.Info("kill-switch listener started", zap.String("chan", infra.RedisChanKillSwitch))
	infra.ListenResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		k.sync,
		func(agentID string) { k.apply(ctx, agentID) },
	)
}

func (k *KillSwitch) sync(ctx context.Context) error {
	ids, err := k.rdb.SMembers(ctx, infra.RedisKeyKilledAgents).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		k.apply(ctx, id)
	}
	return nil
}

func (k *KillSwitch) apply(ctx context.Context, agentID string) {
	err := k.manager.Kill(ctx, agentID, "kill switch")
	switch {
	case err == nil:
		k.logger.Warn("agent killed by signal", zap.String("agent_id", agentID))
	case errors.Is(err, ErrAgentNotFound):
	default:
		k.logger.Error("kill failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
