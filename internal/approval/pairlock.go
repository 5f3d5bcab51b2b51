package approval

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/skillgate/internal/infra"
)

// PairLock: межпроцессная гарантия "не более одного активного запроса на пару".
// Внутри процесса это делает сам Gate, PairLock нужен, когда реплик несколько.
type PairLock interface {
	// Acquire занимает пару под id. Если пара занята, ok=false и holder: id активного запроса.
	Acquire(ctx context.Context, pair, id string, ttl time.Duration) (holder string, ok bool, err error)
	Release(ctx context.Context, pair, id string) error
}

// releaseScript снимает замок, только если он все еще наш.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisPairLock struct {
	rdb *redis.Client
}

func NewRedisPairLock(rdb *redis.Client) *RedisPairLock { return &RedisPairLock{rdb: rdb} }

func (l *RedisPairLock) Acquire(ctx context.Context, pair, id string, ttl time.Duration) (string, bool, error) {
	key := infra.RedisKeyApprovalPairLock + pair
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key, id, ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return id, true, nil
		}
		holder, err := l.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // истек между SetNX и Get
		}
		if err != nil {
			return "", false, err
		}
		return holder, false, nil
	}
	return "", false, errors.New("approval: pair lock contention")
}

func (l *RedisPairLock) Release(ctx context.Context, pair, id string) error {
	return releaseScript.Run(ctx, l.rdb, []string{infra.RedisKeyApprovalPairLock + pair}, id).Err()
}
