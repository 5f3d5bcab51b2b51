package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/skillgate/internal/infra"
)

// ledgerTTL: суточный счетчик живет чуть дольше суток, чтобы пережить смену дня в разных поясах.
const ledgerTTL = 48 * time.Hour

// CostLedger: накопленные за сутки расходы инициатора.
type CostLedger interface {
	Today(ctx context.Context, requester string, now time.Time) (float64, error)
	Charge(ctx context.Context, requester string, amount float64, now time.Time) error
}

func ledgerDay(now time.Time) string { return now.UTC().Format("2006-01-02") }

// RedisLedger держит счетчики в Redis, общие для всех реплик.
type RedisLedger struct {
	rdb *redis.Client
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger { return &RedisLedger{rdb: rdb} }

func (l *RedisLedger) Today(ctx context.Context, requester string, now time.Time) (float64, error) {
	v, err := l.rdb.Get(ctx, infra.CostLedgerKey(requester, ledgerDay(now))).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (l *RedisLedger) Charge(ctx context.Context, requester string, amount float64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	key := infra.CostLedgerKey(requester, ledgerDay(now))
	pipe := l.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, ledgerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// MemoryLedger: счетчики одного процесса (тесты, запуск без Redis).
type MemoryLedger struct {
	mu     sync.Mutex
	totals map[string]float64
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{totals: make(map[string]float64)} }

func (l *MemoryLedger) Today(_ context.Context, requester string, now time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[infra.CostLedgerKey(requester, ledgerDay(now))], nil
}

func (l *MemoryLedger) Charge(_ context.Context, requester string, amount float64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	l.mu.Lock()
	l.totals[infra.CostLedgerKey(requester, ledgerDay(now))] += amount
	l.mu.Unlock()
	return nil
}
