package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra"
)

// Две реплики с общим Redis: карантин на одной сразу закрывает навык на другой.
func TestRedisSignalerPropagatesQuarantine(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	sigA := NewRedisSignaler(rdb, zap.NewNop())
	replicaA := New(store, audit.Discard{}, zap.NewNop(), WithSignaler(sigA))
	sigB := NewRedisSignaler(rdb, zap.NewNop())
	replicaB := New(NewMemoryStore(), audit.Discard{}, zap.NewNop(), WithSignaler(sigB))
	go sigB.Listen(ctx, replicaB)

	_, err := replicaA.Register(ctx, testManifest("csv", "1.0.0"))
	require.NoError(t, err)
	_, err = replicaA.Quarantine(ctx, "csv", "1.0.0", domain.Verdict{Outcome: domain.VerdictUnsafe, Reason: "eval"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return replicaB.IsQuarantined("csv@1.0.0") }, 2*time.Second, 10*time.Millisecond)

	members, err := rdb.SMembers(ctx, infra.RedisKeyQuarantinedSkills).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"csv@1.0.0"}, members)
}

func TestRedisSignalerSyncWarmsBothLevels(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	store := NewMemoryStore()
	reg := New(store, audit.Discard{}, zap.NewNop())
	_, err := reg.Register(ctx, testManifest("csv", "1.0.0"))
	require.NoError(t, err)
	_, err = reg.Quarantine(ctx, "csv", "1.0.0", domain.Verdict{Outcome: domain.VerdictUnsafe})
	require.NoError(t, err)
	// Ключ, известный только другой реплике.
	mr.SAdd(infra.RedisKeyQuarantinedSkills, "other@2.0.0")

	fresh := New(store, audit.Discard{}, zap.NewNop())
	sig := NewRedisSignaler(rdb, zap.NewNop())
	require.NoError(t, sig.Sync(ctx, fresh))

	assert.True(t, fresh.IsQuarantined("csv@1.0.0"))
	assert.True(t, fresh.IsQuarantined("other@2.0.0"))
}

func TestRedisSignalerIgnoresLift(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := New(NewMemoryStore(), audit.Discard{}, zap.NewNop())
	sig := NewRedisSignaler(rdb, zap.NewNop())
	go sig.Listen(ctx, reg)

	require.Eventually(t, func() bool {
		_ = rdb.Publish(ctx, infra.RedisChanQuarantine, "csv@1.0.0:on").Err()
		return reg.IsQuarantined("csv@1.0.0")
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, rdb.Publish(ctx, infra.RedisChanQuarantine, "csv@1.0.0:off").Err())
	time.Sleep(50 * time.Millisecond)
	assert.True(t, reg.IsQuarantined("csv@1.0.0"))
}
