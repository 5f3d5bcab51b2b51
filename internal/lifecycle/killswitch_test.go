package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra"
	"github.com/xela07ax/skillgate/internal/sandbox"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func listen(t *testing.T, ks *KillSwitch) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ks.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestKillSwitchStopsRunningAgent(t *testing.T) {
	_, rdb := newRedis(t)
	started := make(chan struct{})
	rt := runFunc(func(ctx context.Context, _ sandbox.Execution) (sandbox.Outcome, error) {
		close(started)
		<-ctx.Done()
		return sandbox.Outcome{}, context.Cause(ctx)
	})
	e := newEnv(t, rt, nil)
	rec := e.live(t, domain.RiskLow, domain.CapReadData)
	ctx := context.Background()

	a, err := e.mgr.Spawn(ctx, SpawnRequest{Record: rec, Granted: domain.NewCapabilitySet(domain.CapReadData)})
	require.NoError(t, err)

	listen(t, NewKillSwitch(rdb, e.mgr, zap.NewNop()))

	errc := make(chan error, 1)
	go func() {
		_, err := a.Execute(ctx)
		errc <- err
	}()
	<-started

	require.NoError(t, PublishKill(ctx, rdb, a.ID()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrAgentKilled)
	case <-time.After(3 * time.Second):
		t.Fatal("agent was not killed")
	}
	assert.Equal(t, domain.AgentDestroyed, a.State())
	assert.Empty(t, e.mgr.Active())
	e.assertDestroyedAfterRevoke(t, a)
}

func TestKillSwitchSyncsKilledSetOnConnect(t *testing.T) {
	mr, rdb := newRedis(t)
	e := newEnv(t, wasmRuntime(t), nil)
	rec := e.live(t, domain.RiskLow, domain.CapReadData)
	ctx := context.Background()

	a, err := e.mgr.Spawn(ctx, SpawnRequest{Record: rec})
	require.NoError(t, err)

	// сигнал ушел, пока реплика была отключена
	_, err = mr.SAdd(infra.RedisKeyKilledAgents, a.ID(), "agent-on-other-replica")
	require.NoError(t, err)

	listen(t, NewKillSwitch(rdb, e.mgr, zap.NewNop()))

	require.Eventually(t, func() bool { return a.State() == domain.AgentDestroyed }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.AgentState{domain.AgentSpawned, domain.AgentFailed, domain.AgentDestroyed}, e.agentStates(a.ID()))

	_, err = a.Execute(ctx)
	assert.ErrorIs(t, err, ErrAgentKilled)
}

func TestPublishKillRemembersAgent(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	require.NoError(t, PublishKill(ctx, rdb, "agent-1"))

	ok, err := mr.SIsMember(infra.RedisKeyKilledAgents, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, killedTTL, mr.TTL(infra.RedisKeyKilledAgents))
}

func TestKillUnknownAgent(t *testing.T) {
	e := newEnv(t, wasmRuntime(t), nil)
	err := e.mgr.Kill(context.Background(), "nope", "test")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}
