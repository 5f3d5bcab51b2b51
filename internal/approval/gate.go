package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
)

type Config struct {
	ConfirmTTL        time.Duration
	SecretTTL         time.Duration
	MaxSecretAttempts int

	// PollInterval: как часто опрашивать хранилище, когда активный запрос пары ведет другая реплика.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmTTL:        5 * time.Minute,
		SecretTTL:         2 * time.Minute,
		MaxSecretAttempts: 3,
		PollInterval:      500 * time.Millisecond,
	}
}

// RunRef: что именно подтверждает человек.
type RunRef struct {
	RunID        string
	SkillID      string
	SkillVersion string
	Requester    string
	Capabilities domain.CapabilitySet
	RiskTier     domain.RiskTier
	Reasons      []string
}

func (r RunRef) pair() string { return r.SkillID + "|" + r.Requester }

// denial: причина отмены через Deny, передается как cause контекста.
type denial struct{ reason string }

func (d *denial) Error() string { return "denied: " + d.reason }

// flight: активный запрос пары. Все переходы делает одна горутина, вызывающие ждут done.
// Запрос живет, пока есть хотя бы один ожидающий вызывающий.
type flight struct {
	id     string
	pair   string
	done   chan struct{}
	result *domain.ApprovalRequest
	err    error
	cancel context.CancelCauseFunc

	waiters int // присоединившиеся к первому
	holders int // все, кто еще ждет исхода
}

// Gate ведет ApprovalRequest по автомату PENDING_CONFIRM -> PENDING_SECRET -> GRANTED
// с ветками DENIED/EXPIRED.
type Gate struct {
	store    Store
	channel  Channel
	verifier SecretVerifier
	sink     audit.Sink
	logger   *zap.Logger
	cfg      Config
	pairs    PairLock
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*flight // pair -> flight
	byID     map[string]*flight
}

type Option func(*Gate)

func WithPairLock(l PairLock) Option        { return func(g *Gate) { g.pairs = l } }
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func NewGate(store Store, ch Channel, verifier SecretVerifier, sink audit.Sink, logger *zap.Logger, cfg Config, opts ...Option) *Gate {
	if sink == nil {
		sink = audit.Discard{}
	}
	def := DefaultConfig()
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = def.ConfirmTTL
	}
	if cfg.SecretTTL <= 0 {
		cfg.SecretTTL = def.SecretTTL
	}
	if cfg.MaxSecretAttempts <= 0 {
		cfg.MaxSecretAttempts = def.MaxSecretAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	g := &Gate{
		store:    store,
		channel:  ch,
		verifier: verifier,
		sink:     sink,
		logger:   logger.Named("approval"),
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]*flight),
		byID:     make(map[string]*flight),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Obtain создает запрос и доводит его до конечного состояния. Если у пары навык+инициатор
// уже есть активный запрос, новый не создается: вызывающий присоединяется к активному
// и получает его исход.
//
// GRANTED возвращается без ошибки; DENIED и EXPIRED вместе с запросом и
// ErrApprovalDenied / ErrApprovalExpired.
func (g *Gate) Obtain(ctx context.Context, ref RunRef) (*domain.ApprovalRequest, error) {
	if ref.SkillID == "" || ref.Requester == "" {
		return nil, fmt.Errorf("approval: skill and requester are required")
	}
	pair := ref.pair()

	g.mu.Lock()
	if f, ok := g.inflight[pair]; ok {
		f.waiters++
		f.holders++
		waiters := f.waiters
		g.mu.Unlock()
		g.logger.Info("attaching to active approval",
			zap.String("request_id", f.id),
			zap.String("run_id", ref.RunID),
			zap.Int("waiters", waiters))
		return g.wait(ctx, f)
	}

	now := g.now()
	req := &domain.ApprovalRequest{
		ID:           uuid.NewString(),
		RunID:        ref.RunID,
		SkillID:      ref.SkillID,
		SkillVersion: ref.SkillVersion,
		Requester:    ref.Requester,
		Capabilities: ref.Capabilities.Clone(),
		RiskTier:     ref.RiskTier,
		Reasons:      append([]string(nil), ref.Reasons...),
		State:        domain.ApprovalPendingConfirm,
		CreatedAt:    now,
		ExpiresAt:    now.Add(g.cfg.ConfirmTTL),
	}

	if g.pairs != nil {
		holder, ok, err := g.pairs.Acquire(ctx, pair, req.ID, g.cfg.ConfirmTTL+g.cfg.SecretTTL)
		if err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("approval: pair lock: %w", err)
		}
		if !ok {
			g.mu.Unlock()
			g.logger.Info("attaching to approval owned by another replica", zap.String("request_id", holder))
			return g.awaitRemote(ctx, holder)
		}
	}

	// Отмена ctx первого вызывающего не трогает присоединившихся
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	f := &flight{id: req.ID, pair: pair, done: make(chan struct{}), cancel: cancel, holders: 1}
	g.inflight[pair] = f
	g.byID[req.ID] = f
	g.mu.Unlock()

	if err := g.store.Create(ctx, req); err != nil {
		cancel(nil)
		g.finish(pair, f, nil, fmt.Errorf("approval: create: %w", err))
		return nil, f.err
	}
	g.emit(ctx, req, "", "approval requested", nil)

	go func() {
		result, err := g.drive(runCtx, req)
		cancel(nil)
		g.finish(pair, f, result, err)
	}()
	return g.wait(ctx, f)
}

// drive: единственный писатель переходов запроса.
func (g *Gate) drive(ctx context.Context, req *domain.ApprovalRequest) (*domain.ApprovalRequest, error) {
	// 1. Подтверждение
	step, cancel := context.WithDeadline(ctx, req.ExpiresAt)
	resp, err := g.channel.Present(step, req.Clone())
	if err != nil {
		state, reason := g.interrupted(ctx, step, err)
		cancel()
		return g.resolve(ctx, req, state, reason, nil)
	}
	cancel()
	if g.now().After(req.ExpiresAt) {
		return g.resolve(ctx, req, domain.ApprovalExpired, "confirmation arrived after deadline", nil)
	}
	if !resp.Accept {
		return g.resolve(ctx, req, domain.ApprovalDenied, rejectedBy(resp), nil)
	}

	from := req.State
	if err := req.Transition(domain.ApprovalPendingSecret, g.now(), g.now().Add(g.cfg.SecretTTL), ""); err != nil {
		return req, err
	}
	if err := g.store.Update(context.WithoutCancel(ctx), req, from); err != nil {
		return g.conflict(ctx, req, err)
	}
	g.emit(ctx, req, from, "confirmed by "+reviewer(resp), nil)

	// 2. Секрет: попытки до порога в пределах одного дедлайна
	for {
		step, cancel := context.WithDeadline(ctx, req.ExpiresAt)
		candidate, err := g.channel.RequestSecret(step, req.Clone())
		if err != nil {
			state, reason := g.interrupted(ctx, step, err)
			cancel()
			return g.resolve(ctx, req, state, reason, nil)
		}
		cancel()
		if g.now().After(req.ExpiresAt) {
			return g.resolve(ctx, req, domain.ApprovalExpired, "secret arrived after deadline", nil)
		}

		ok, err := g.verifier.Verify(ctx, candidate)
		if err != nil {
			g.logger.Error("secret verification unavailable", zap.String("request_id", req.ID), zap.Error(err))
			return g.resolve(ctx, req, domain.ApprovalDenied, "secret verification unavailable", nil)
		}
		if ok {
			req.SecretVerified = true
			return g.resolve(ctx, req, domain.ApprovalGranted, "confirmed and secret verified", nil)
		}

		req.FailedAttempts++
		g.logger.Warn("approval secret mismatch",
			zap.String("request_id", req.ID),
			zap.Int("attempt", req.FailedAttempts),
			zap.Int("max_attempts", g.cfg.MaxSecretAttempts))
		if req.FailedAttempts >= g.cfg.MaxSecretAttempts {
			reason := fmt.Sprintf("secret lockout after %d failed attempts", req.FailedAttempts)
			return g.resolve(ctx, req, domain.ApprovalDenied, reason, domain.ErrSecretMismatch)
		}
		if err := g.store.Update(context.WithoutCancel(ctx), req, domain.ApprovalPendingSecret); err != nil {
			return g.conflict(ctx, req, err)
		}
		g.emit(ctx, req, domain.ApprovalPendingSecret, "secret mismatch", nil)
	}
}

// interrupted классифицирует прерванный шаг: Deny или уход всех ожидающих дают DENIED,
// истекший дедлайн шага EXPIRED, сбой канала DENIED (закрытый отказ).
func (g *Gate) interrupted(parent, step context.Context, err error) (domain.ApprovalState, string) {
	if parent.Err() != nil {
		var d *denial
		if errors.As(context.Cause(parent), &d) {
			return domain.ApprovalDenied, d.reason
		}
		return domain.ApprovalDenied, "cancelled by requester"
	}
	if errors.Is(step.Err(), context.DeadlineExceeded) {
		return domain.ApprovalExpired, "no response before deadline"
	}
	g.logger.Error("approval channel failure", zap.Error(err))
	return domain.ApprovalDenied, "approval channel failure"
}

func (g *Gate) resolve(ctx context.Context, req *domain.ApprovalRequest, to domain.ApprovalState, reason string, cause error) (*domain.ApprovalRequest, error) {
	from := req.State
	if err := req.Transition(to, g.now(), time.Time{}, reason); err != nil {
		return req, err
	}
	if err := g.store.Update(context.WithoutCancel(ctx), req, from); err != nil {
		return g.conflict(ctx, req, err)
	}
	g.emit(ctx, req, from, reason, nil)

	g.logger.Info("approval resolved",
		zap.String("request_id", req.ID),
		zap.String("skill", domain.SkillKey(req.SkillID, req.SkillVersion)),
		zap.String("requester", req.Requester),
		zap.String("state", string(req.State)),
		zap.String("reason", reason))
	return req, outcome(req, cause)
}

// conflict: запрос изменили в обход владельца (Deny с другой реплики, чистка просроченных).
// Истина в хранилище.
func (g *Gate) conflict(ctx context.Context, req *domain.ApprovalRequest, err error) (*domain.ApprovalRequest, error) {
	if !errors.Is(err, domain.ErrApprovalAlreadyResolved) {
		return req, fmt.Errorf("approval: persist: %w", err)
	}
	cur, gerr := g.store.Get(context.WithoutCancel(ctx), req.ID)
	if gerr != nil {
		return req, fmt.Errorf("approval: reload: %w", gerr)
	}
	return cur, outcome(cur, nil)
}

func outcome(req *domain.ApprovalRequest, cause error) error {
	switch req.State {
	case domain.ApprovalGranted:
		return nil
	case domain.ApprovalDenied:
		if cause != nil {
			return fmt.Errorf("%w: %w: %s", domain.ErrApprovalDenied, cause, req.Resolution)
		}
		return fmt.Errorf("%w: %s", domain.ErrApprovalDenied, req.Resolution)
	case domain.ApprovalExpired:
		return fmt.Errorf("%w: %s", domain.ErrApprovalExpired, req.Resolution)
	}
	return fmt.Errorf("%w: approval %s is still %s", domain.ErrInvalidTransition, req.ID, req.State)
}

func (g *Gate) wait(ctx context.Context, f *flight) (*domain.ApprovalRequest, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		if !g.leave(f) {
			return nil, ctx.Err()
		}
		// последний ушедший получает исход отмененного запроса
		<-f.done
	}
	if f.result == nil {
		return nil, f.err
	}
	return f.result.Clone(), f.err
}

// leave снимает вызывающего с запроса. Последний ушедший отменяет запрос,
// новые вызовы пары после этого создают свой.
func (g *Gate) leave(f *flight) bool {
	g.mu.Lock()
	f.holders--
	last := f.holders == 0
	if last && g.inflight[f.pair] == f {
		delete(g.inflight, f.pair)
	}
	g.mu.Unlock()
	if last {
		f.cancel(nil)
	}
	return last
}

// awaitRemote ждет исхода запроса, который ведет другая реплика.
func (g *Gate) awaitRemote(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		req, err := g.store.Get(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err == nil && req.State.Terminal() {
			return req, outcome(req, nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gate) finish(pair string, f *flight, result *domain.ApprovalRequest, err error) {
	g.mu.Lock()
	if g.inflight[pair] == f {
		delete(g.inflight, pair)
	}
	delete(g.byID, f.id)
	f.result = result
	f.err = err
	close(f.done)
	g.mu.Unlock()

	if g.pairs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := g.pairs.Release(ctx, pair, f.id); rerr != nil {
			g.logger.Warn("pair lock release failed", zap.String("request_id", f.id), zap.Error(rerr))
		}
	}
}

// Deny отменяет ожидающий запрос. Для разрешенного запроса: ErrApprovalAlreadyResolved.
func (g *Gate) Deny(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "denied by operator"
	}
	g.mu.Lock()
	f, ok := g.byID[id]
	g.mu.Unlock()

	if ok {
		f.cancel(&denial{reason: reason})
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if f.result != nil && f.result.State == domain.ApprovalDenied {
			return nil
		}
		return fmt.Errorf("%w: approval %s", domain.ErrApprovalAlreadyResolved, id)
	}

	// Запрос ведет другая реплика (или процесс-владелец умер): CAS в хранилище.
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return err
	}
	from := req.State
	if err := req.Transition(domain.ApprovalDenied, g.now(), time.Time{}, reason); err != nil {
		return err
	}
	if err := g.store.Update(ctx, req, from); err != nil {
		return err
	}
	g.emit(ctx, req, from, reason, nil)
	return nil
}

// ExpireStale переводит в EXPIRED ожидающие запросы с истекшим дедлайном,
// владельца которых больше нет (перезапуск процесса). Возвращает число переходов.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	pending := make([]*domain.ApprovalRequest, 0)
	for _, st := range []domain.ApprovalState{domain.ApprovalPendingConfirm, domain.ApprovalPendingSecret} {
		reqs, err := g.store.List(ctx, st)
		if err != nil {
			return 0, err
		}
		pending = append(pending, reqs...)
	}

	now := g.now()
	n := 0
	for _, req := range pending {
		g.mu.Lock()
		_, local := g.byID[req.ID]
		g.mu.Unlock()
		if local || !now.After(req.ExpiresAt) {
			continue
		}
		from := req.State
		if err := req.Transition(domain.ApprovalExpired, now, time.Time{}, "deadline passed without owner"); err != nil {
			continue
		}
		if err := g.store.Update(ctx, req, from); err != nil {
			if errors.Is(err, domain.ErrApprovalAlreadyResolved) {
				continue
			}
			return n, err
		}
		g.emit(ctx, req, from, req.Resolution, nil)
		n++
	}
	return n, nil
}

// Get и List: только чтение для API и консоли.
func (g *Gate) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return g.store.Get(ctx, id)
}

func (g *Gate) List(ctx context.Context, state domain.ApprovalState) ([]*domain.ApprovalRequest, error) {
	return g.store.List(ctx, state)
}

func (g *Gate) emit(ctx context.Context, req *domain.ApprovalRequest, from domain.ApprovalState, reason string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"run_id":          req.RunID,
		"skill_version":   req.SkillVersion,
		"risk_tier":       req.RiskTier,
		"capabilities":    req.Capabilities.Strings(),
		"failed_attempts": req.FailedAttempts,
		"secret_verified": req.SecretVerified,
	}
	for k, v := range extra {
		payload[k] = v
	}
	g.sink.Emit(context.WithoutCancel(ctx), audit.Event{
		Kind:      audit.KindApprovalTransition,
		SubjectID: req.ID,
		SkillID:   req.SkillID,
		Requester: req.Requester,
		From:      string(from),
		To:        string(req.State),
		Reason:    reason,
		Payload:   payload,
	})
}

func rejectedBy(r Response) string {
	if r.Comment != "" {
		return "rejected by " + reviewer(r) + ": " + r.Comment
	}
	return "rejected by " + reviewer(r)
}

func reviewer(r Response) string {
	if r.Reviewer == "" {
		return "reviewer"
	}
	return r.Reviewer
}
