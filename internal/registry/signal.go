package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/infra"
)

// RedisSignaler разносит карантин навыков между репликами шлюза:
// L2 (Redis set) хранит состояние, канал сообщает о новых ключах.
type RedisSignaler struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisSignaler(rdb *redis.Client, logger *zap.Logger) *RedisSignaler {
	return &RedisSignaler{rdb: rdb, logger: logger.Named("quarantine_signal")}
}

// PublishQuarantine: сигнал формата "id@version:on".
func (s *RedisSignaler) PublishQuarantine(ctx context.Context, key string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, infra.RedisKeyQuarantinedSkills, key)
	pipe.Publish(ctx, infra.RedisChanQuarantine, key+":on")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish quarantine %s: %w", key, err)
	}
	return nil
}

// Sync прогревает deny-set реестра: ключи из БД плюс все, что уже лежит в Redis.
func (s *RedisSignaler) Sync(ctx context.Context, reg *Registry) error {
	keys, err := reg.QuarantinedKeys(ctx)
	if err != nil {
		return fmt.Errorf("load quarantined skills: %w", err)
	}
	err = infra.WarmupSet(ctx, s.rdb, s.logger, keys,
		infra.RedisKeyQuarantinedSkills, infra.RedisKeyLockQuarantine,
		func(ids []string) {
			for _, id := range ids {
				reg.MarkQuarantined(id)
			}
		})
	if err != nil {
		return err
	}

	remote, err := s.rdb.SMembers(ctx, infra.RedisKeyQuarantinedSkills).Result()
	if err != nil {
		return err
	}
	for _, key := range remote {
		reg.MarkQuarantined(key)
	}
	s.logger.Info("quarantine deny-set synced", zap.Int("local", len(keys)), zap.Int("remote", len(remote)))
	return nil
}

// Listen держит подписку на сигналы карантина до отмены ctx.
// Карантин необратим, поэтому сигнал ":off" игнорируется.
func (s *RedisSignaler) Listen(ctx context.Context, reg *Registry) {
	infra.ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanQuarantine,
		func(ctx context.Context) error { return s.Sync(ctx, reg) },
		func(payload string) {
			key, state, ok := infra.SplitSignal(payload)
			if !ok {
				s.logger.Warn("malformed quarantine signal", zap.String("payload", payload))
				return
			}
			if state != "on" {
				s.logger.Warn("quarantine cannot be lifted", zap.String("skill", key))
				return
			}
			reg.MarkQuarantined(key)
		})
}
