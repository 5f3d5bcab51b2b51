package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
)

const testPIN = "pin-4242-zq"

// scriptedChannel отвечает заранее заданными ответами; если ответа нет, ждет дедлайна.
type scriptedChannel struct {
	mu       sync.Mutex
	confirms []Response
	secrets  []Secret
	hold     chan struct{} // если задан, Present ждет его закрытия
	presents int32
}

func (c *scriptedChannel) Present(ctx context.Context, _ *domain.ApprovalRequest) (Response, error) {
	atomic.AddInt32(&c.presents, 1)
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	c.mu.Lock()
	if len(c.confirms) > 0 {
		r := c.confirms[0]
		c.confirms = c.confirms[1:]
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func (c *scriptedChannel) RequestSecret(ctx context.Context, _ *domain.ApprovalRequest) (Secret, error) {
	c.mu.Lock()
	if len(c.secrets) > 0 {
		s := c.secrets[0]
		c.secrets = c.secrets[1:]
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return Secret{}, ctx.Err()
}

type failingChannel struct{}

func (failingChannel) Present(context.Context, *domain.ApprovalRequest) (Response, error) {
	return Response{}, errors.New("bot offline")
}

func (failingChannel) RequestSecret(context.Context, *domain.ApprovalRequest) (Secret, error) {
	return Secret{}, errors.New("bot offline")
}

func newVerifier(t *testing.T) *PINVerifier {
	t.Helper()
	h, err := HashPIN(testPIN, bcrypt.MinCost)
	require.NoError(t, err)
	v, err := NewPINVerifier(h)
	require.NoError(t, err)
	return v
}

func testRef() RunRef {
	return RunRef{
		RunID:        "run-1",
		SkillID:      "payout",
		SkillVersion: "1.0.0",
		Requester:    "alice",
		Capabilities: domain.NewCapabilitySet(domain.CapExecutePayment),
		RiskTier:     domain.RiskHigh,
		Reasons:      []string{"risk tier HIGH"},
	}
}

func newGate(t *testing.T, ch Channel, cfg Config, opts ...Option) (*Gate, *MemoryStore, *audit.Recorder) {
	t.Helper()
	store := NewMemoryStore()
	rec := audit.NewRecorder()
	return NewGate(store, ch, newVerifier(t), rec, zap.NewNop(), cfg, opts...), store, rec
}

func waitersFor(g *Gate, pair string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.inflight[pair]; ok {
		return f.waiters
	}
	return 0
}

func states(events []audit.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.From+">"+e.To)
	}
	return out
}

func TestRejectOnConfirmDenies(t *testing.T) {
	ch := &scriptedChannel{confirms: []Response{{Accept: false, Reviewer: "bob"}}}
	gate, _, rec := newGate(t, ch, DefaultConfig())

	req, err := gate.Obtain(context.Background(), testRef())
	require.ErrorIs(t, err, domain.ErrApprovalDenied)
	assert.Equal(t, domain.ApprovalDenied, req.State)
	assert.False(t, req.SecretVerified)
	assert.Contains(t, req.Resolution, "bob")
	assert.Equal(t, []string{">PENDING_CONFIRM", "PENDING_CONFIRM>DENIED"},
		states(rec.OfKind(audit.KindApprovalTransition)))

	err = gate.Deny(context.Background(), req.ID, "too late")
	assert.ErrorIs(t, err, domain.ErrApprovalAlreadyResolved)
}

func TestAcceptAndCorrectSecretGrants(t *testing.T) {
	ch := &scriptedChannel{
		confirms: []Response{{Accept: true}},
		secrets:  []Secret{NewSecret(testPIN)},
	}
	gate, store, rec := newGate(t, ch, DefaultConfig())

	req, err := gate.Obtain(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalGranted, req.State)
	assert.True(t, req.SecretVerified)
	assert.Equal(t, []string{">PENDING_CONFIRM", "PENDING_CONFIRM>PENDING_SECRET", "PENDING_SECRET>GRANTED"},
		states(rec.OfKind(audit.KindApprovalTransition)))

	stored, err := store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalGranted, stored.State)
	require.NotNil(t, stored.ResolvedAt)
}

func TestThreeWrongSecretsLockOut(t *testing.T) {
	ch := &scriptedChannel{
		confirms: []Response{{Accept: true}},
		secrets:  []Secret{NewSecret("wrong-pin-x"), NewSecret("wrong-pin-y"), NewSecret("wrong-pin-z"), NewSecret(testPIN)},
	}
	cfg := DefaultConfig()
	cfg.MaxSecretAttempts = 3
	gate, _, rec := newGate(t, ch, cfg)

	req, err := gate.Obtain(context.Background(), testRef())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrApprovalDenied)
	assert.ErrorIs(t, err, domain.ErrSecretMismatch)
	assert.Equal(t, domain.ApprovalDenied, req.State)
	assert.Equal(t, 3, req.FailedAttempts)
	assert.False(t, req.SecretVerified)

	// Правильный PIN после блокировки уже не запрашивается.
	assert.Len(t, ch.secrets, 1)

	body, err := json.Marshal(rec.Events())
	require.NoError(t, err)
	for _, s := range []string{"wrong-pin-x", "wrong-pin-y", "wrong-pin-z", testPIN} {
		assert.NotContains(t, string(body), s)
	}
}

func TestWrongSecretThenRightWithinThreshold(t *testing.T) {
	ch := &scriptedChannel{
		confirms: []Response{{Accept: true}},
		secrets:  []Secret{NewSecret("wrong-pin-x"), NewSecret(testPIN)},
	}
	gate, _, _ := newGate(t, ch, DefaultConfig())

	req, err := gate.Obtain(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalGranted, req.State)
	assert.Equal(t, 1, req.FailedAttempts)
}

func TestConfirmDeadlineExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmTTL = 30 * time.Millisecond
	gate, _, _ := newGate(t, &scriptedChannel{}, cfg)

	req, err := gate.Obtain(context.Background(), testRef())
	require.ErrorIs(t, err, domain.ErrApprovalExpired)
	assert.Equal(t, domain.ApprovalExpired, req.State)
}

func TestSecretDeadlineExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecretTTL = 30 * time.Millisecond
	gate, _, _ := newGate(t, &scriptedChannel{confirms: []Response{{Accept: true}}}, cfg)

	req, err := gate.Obtain(context.Background(), testRef())
	require.ErrorIs(t, err, domain.ErrApprovalExpired)
	assert.Equal(t, domain.ApprovalExpired, req.State)
}

func TestChannelFailureFailsClosed(t *testing.T) {
	gate, _, _ := newGate(t, failingChannel{}, DefaultConfig())

	req, err := gate.Obtain(context.Background(), testRef())
	require.ErrorIs(t, err, domain.ErrApprovalDenied)
	assert.Equal(t, "approval channel failure", req.Resolution)
}

func TestVerifierWithoutPinFailsClosed(t *testing.T) {
	v, err := NewPINVerifier("")
	require.NoError(t, err)
	ch := &scriptedChannel{confirms: []Response{{Accept: true}}, secrets: []Secret{NewSecret(testPIN)}}
	gate := NewGate(NewMemoryStore(), ch, v, nil, zap.NewNop(), DefaultConfig())

	req, err := gate.Obtain(context.Background(), testRef())
	require.ErrorIs(t, err, domain.ErrApprovalDenied)
	assert.False(t, req.SecretVerified)
}

func TestDenyCancelsPendingRequest(t *testing.T) {
	ch := &scriptedChannel{}
	gate, store, _ := newGate(t, ch, DefaultConfig())

	type result struct {
		req *domain.ApprovalRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := gate.Obtain(context.Background(), testRef())
		done <- result{req, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		reqs, _ := store.List(context.Background(), domain.ApprovalPendingConfirm)
		if len(reqs) == 1 {
			id = reqs[0].ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, gate.Deny(context.Background(), id, "not today"))
	res := <-done
	assert.ErrorIs(t, res.err, domain.ErrApprovalDenied)
	assert.Equal(t, "not today", res.req.Resolution)

	assert.ErrorIs(t, gate.Deny(context.Background(), id, "again"), domain.ErrApprovalAlreadyResolved)
}

// Повторный запрос той же пары присоединяется к активному, второй запрос не создается.
func TestDuplicatePairAttachesToActiveRequest(t *testing.T) {
	ch := &scriptedChannel{
		hold:     make(chan struct{}),
		confirms: []Response{{Accept: false}},
	}
	gate, store, _ := newGate(t, ch, DefaultConfig())

	const callers = 5
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := gate.Obtain(context.Background(), testRef())
			assert.ErrorIs(t, err, domain.ErrApprovalDenied)
			if req != nil {
				ids <- req.ID
			}
		}()
	}

	require.Eventually(t, func() bool { return waitersFor(gate, testRef().pair()) == callers-1 }, time.Second, 5*time.Millisecond)
	close(ch.hold)
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	all, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ch.presents))
}

func TestDifferentRequestersGetSeparateRequests(t *testing.T) {
	ch := &scriptedChannel{confirms: []Response{{Accept: false}, {Accept: false}}}
	gate, store, _ := newGate(t, ch, DefaultConfig())

	a := testRef()
	b := testRef()
	b.Requester = "carol"
	_, _ = gate.Obtain(context.Background(), a)
	_, _ = gate.Obtain(context.Background(), b)

	all, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestExpireStaleOrphans(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gate, store, rec := newGate(t, &scriptedChannel{}, DefaultConfig(), WithClock(clock))
	ctx := context.Background()

	orphan := &domain.ApprovalRequest{
		ID: "orphan", SkillID: "payout", Requester: "alice",
		State: domain.ApprovalPendingSecret, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	}
	fresh := &domain.ApprovalRequest{
		ID: "fresh", SkillID: "payout", Requester: "dave",
		State: domain.ApprovalPendingConfirm, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, store.Create(ctx, orphan))
	require.NoError(t, store.Create(ctx, fresh))

	n, err := gate.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.State)
	got, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPendingConfirm, got.State)
	assert.Len(t, rec.OfKind(audit.KindApprovalTransition), 1)
}

func TestDenyOrphanThroughStore(t *testing.T) {
	gate, store, _ := newGate(t, &scriptedChannel{}, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &domain.ApprovalRequest{
		ID: "elsewhere", SkillID: "payout", Requester: "alice",
		State: domain.ApprovalPendingConfirm, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}))

	require.NoError(t, gate.Deny(ctx, "elsewhere", ""))
	got, err := gate.Get(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalDenied, got.State)
	assert.Equal(t, "denied by operator", got.Resolution)

	assert.ErrorIs(t, gate.Deny(ctx, "missing", ""), domain.ErrNotFound)
}

// Первый вызывающий ушел, присоединившийся продолжает ждать того же запроса.
func TestOwnerCancelKeepsRequestForAttachedCaller(t *testing.T) {
	ch := &scriptedChannel{
		hold:     make(chan struct{}),
		confirms: []Response{{Accept: true, Reviewer: "bob"}},
		secrets:  []Secret{NewSecret(testPIN)},
	}
	gate, store, _ := newGate(t, ch, DefaultConfig())

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, err := gate.Obtain(ownerCtx, testRef())
		ownerDone <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ch.presents) == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		req *domain.ApprovalRequest
		err error
	}
	attached := make(chan result, 1)
	go func() {
		req, err := gate.Obtain(context.Background(), testRef())
		attached <- result{req, err}
	}()
	require.Eventually(t, func() bool { return waitersFor(gate, testRef().pair()) == 1 }, time.Second, 5*time.Millisecond)

	cancelOwner()
	assert.ErrorIs(t, <-ownerDone, context.Canceled)

	close(ch.hold)
	res := <-attached
	require.NoError(t, res.err)
	assert.Equal(t, domain.ApprovalGranted, res.req.State)
	assert.True(t, res.req.SecretVerified)

	all, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLastCallerLeavingDeniesRequest(t *testing.T) {
	ch := &scriptedChannel{}
	gate, store, _ := newGate(t, ch, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		req *domain.ApprovalRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := gate.Obtain(ctx, testRef())
		done <- result{req, err}
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ch.presents) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	res := <-done
	assert.ErrorIs(t, res.err, domain.ErrApprovalDenied)
	require.NotNil(t, res.req)
	assert.Equal(t, "cancelled by requester", res.req.Resolution)

	got, err := store.Get(context.Background(), res.req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalDenied, got.State)
}
