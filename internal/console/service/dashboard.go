package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra"
)

type StatsProvider interface {
	GlobalStats(ctx context.Context) (*domain.GlobalStats, error)
}

// DashboardService кэширует агрегаты в Redis, чтобы не нагружать Postgres
// тяжелыми аналитическими запросами при каждом обновлении дашборда.
type DashboardService struct {
	repo   StatsProvider
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDashboardService(repo StatsProvider, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *DashboardService {
	return &DashboardService{repo: repo, rdb: rdb, ttl: ttl, logger: logger.Named("dashboard")}
}

// GetGlobalStats: fresh=true пропускает чтение кэша, но результат в кэш кладет.
func (s *DashboardService) GetGlobalStats(ctx context.Context, fresh bool) (*domain.GlobalStats, error) {
	if !fresh && s.rdb != nil && s.ttl > 0 {
		if raw, err := s.rdb.Get(ctx, infra.RedisKeyDashboardStats).Bytes(); err == nil {
			var cached domain.GlobalStats
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	stats, err := s.repo.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}
	if s.rdb != nil && s.ttl > 0 {
		if raw, err := json.Marshal(stats); err == nil {
			if err := s.rdb.Set(ctx, infra.RedisKeyDashboardStats, raw, s.ttl).Err(); err != nil {
				s.logger.Debug("stats cache write failed", zap.Error(err))
			}
		}
	}
	return stats, nil
}
