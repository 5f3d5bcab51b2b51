package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra"
)

// Response: решение человека на шаге подтверждения.
type Response struct {
	Accept   bool   `json:"accept"`
	Reviewer string `json:"reviewer,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Channel доставляет запрос человеку и возвращает его ответы.
// Обе операции блокируются до ответа либо до отмены ctx (дедлайн состояния).
type Channel interface {
	Present(ctx context.Context, req *domain.ApprovalRequest) (Response, error)
	RequestSecret(ctx context.Context, req *domain.ApprovalRequest) (Secret, error)
}

type PromptKind string

const (
	PromptConfirm PromptKind = "confirm"
	PromptSecret  PromptKind = "secret"
)

// Prompt: уведомление о том, что запрос ждет человека. Секретов не содержит.
type Prompt struct {
	Kind           PromptKind `json:"kind"`
	RequestID      string     `json:"request_id"`
	SkillID        string     `json:"skill_id"`
	SkillVersion   string     `json:"skill_version"`
	Requester      string     `json:"requester"`
	Capabilities   []string   `json:"capabilities"`
	RiskTier       string     `json:"risk_tier"`
	Reasons        []string   `json:"reasons,omitempty"`
	FailedAttempts int        `json:"failed_attempts,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	State          string     `json:"state"`
}

func promptFor(kind PromptKind, req *domain.ApprovalRequest) Prompt {
	return Prompt{
		Kind:           kind,
		RequestID:      req.ID,
		SkillID:        req.SkillID,
		SkillVersion:   req.SkillVersion,
		Requester:      req.Requester,
		Capabilities:   req.Capabilities.Strings(),
		RiskTier:       string(req.RiskTier),
		Reasons:        req.Reasons,
		FailedAttempts: req.FailedAttempts,
		ExpiresAt:      req.ExpiresAt,
		State:          string(req.State),
	}
}

// Notifier сообщает людям о новых ожиданиях. Ошибка доставки не прерывает запрос:
// человек все равно может ответить через API, а дедлайн все равно истечет.
type Notifier interface {
	Notify(ctx context.Context, p Prompt) error
}

// LogNotifier пишет уведомления в лог (однопроцессный режим).
type LogNotifier struct{ Logger *zap.Logger }

func (n LogNotifier) Notify(_ context.Context, p Prompt) error {
	n.Logger.Info("approval awaiting human",
		zap.String("kind", string(p.Kind)),
		zap.String("request_id", p.RequestID),
		zap.String("skill", domain.SkillKey(p.SkillID, p.SkillVersion)),
		zap.String("requester", p.Requester),
		zap.Strings("capabilities", p.Capabilities),
		zap.Time("expires_at", p.ExpiresAt))
	return nil
}

// RedisNotifier публикует Prompt в devit:approvals:notify для консоли и ботов.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier { return &RedisNotifier{rdb: rdb} }

func (n *RedisNotifier) Notify(ctx context.Context, p Prompt) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, infra.RedisChanApprovalNotify, body).Err()
}

// Inbox: Channel внутри процесса. Каждый ожидающий шаг регистрирует слот,
// ответ человека (HTTP или сигнал из консоли) кладется в него.
type Inbox struct {
	mu       sync.Mutex
	confirms map[string]chan Response
	secrets  map[string]chan Secret

	notifier Notifier
	lookup   func(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	deny     func(ctx context.Context, id, reason string) error
	logger   *zap.Logger
}

// NewInbox: lookup нужен, чтобы отличать "уже решено" от "не ждет этого шага".
func NewInbox(notifier Notifier, lookup func(ctx context.Context, id string) (*domain.ApprovalRequest, error), logger *zap.Logger) *Inbox {
	return &Inbox{
		confirms: make(map[string]chan Response),
		secrets:  make(map[string]chan Secret),
		notifier: notifier,
		lookup:   lookup,
		logger:   logger.Named("approval_inbox"),
	}
}

func (in *Inbox) Present(ctx context.Context, req *domain.ApprovalRequest) (Response, error) {
	ch := make(chan Response, 1)
	in.mu.Lock()
	in.confirms[req.ID] = ch
	in.mu.Unlock()
	defer release(in, req.ID, in.confirms)

	in.notify(ctx, promptFor(PromptConfirm, req))

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (in *Inbox) RequestSecret(ctx context.Context, req *domain.ApprovalRequest) (Secret, error) {
	ch := make(chan Secret, 1)
	in.mu.Lock()
	in.secrets[req.ID] = ch
	in.mu.Unlock()
	defer release(in, req.ID, in.secrets)

	in.notify(ctx, promptFor(PromptSecret, req))

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Secret{}, ctx.Err()
	}
}

// Respond доставляет решение по шагу подтверждения.
func (in *Inbox) Respond(ctx context.Context, id string, resp Response) error {
	in.mu.Lock()
	ch, ok := in.confirms[id]
	if ok {
		delete(in.confirms, id)
	}
	in.mu.Unlock()
	if !ok {
		return in.notAwaiting(ctx, id, domain.ApprovalPendingConfirm)
	}
	ch <- resp
	return nil
}

// SubmitSecret доставляет кандидата PIN. Само значение дальше верификатора не идет.
func (in *Inbox) SubmitSecret(ctx context.Context, id string, s Secret) error {
	in.mu.Lock()
	ch, ok := in.secrets[id]
	if ok {
		delete(in.secrets, id)
	}
	in.mu.Unlock()
	if !ok {
		return in.notAwaiting(ctx, id, domain.ApprovalPendingSecret)
	}
	ch <- s
	return nil
}

// Awaiting: id запросов, ждущих человека (для консоли).
func (in *Inbox) Awaiting() map[string]PromptKind {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]PromptKind, len(in.confirms)+len(in.secrets))
	for id := range in.confirms {
		out[id] = PromptConfirm
	}
	for id := range in.secrets {
		out[id] = PromptSecret
	}
	return out
}

func (in *Inbox) notAwaiting(ctx context.Context, id string, want domain.ApprovalState) error {
	if in.lookup == nil {
		return fmt.Errorf("%w: approval %s", domain.ErrNotFound, id)
	}
	req, err := in.lookup(ctx, id)
	if err != nil {
		return err
	}
	if req.State.Terminal() {
		return fmt.Errorf("%w: approval %s is %s", domain.ErrApprovalAlreadyResolved, id, req.State)
	}
	return fmt.Errorf("%w: approval %s is %s, not %s", domain.ErrInvalidTransition, id, req.State, want)
}

func (in *Inbox) notify(ctx context.Context, p Prompt) {
	if in.notifier == nil {
		return
	}
	if err := in.notifier.Notify(ctx, p); err != nil {
		in.logger.Warn("approval notification failed", zap.String("request_id", p.RequestID), zap.Error(err))
	}
}

func release[T any](in *Inbox, id string, slots map[string]chan T) {
	in.mu.Lock()
	delete(slots, id)
	in.mu.Unlock()
}

// Вердикты консоли в канале решений.
const (
	VerdictAccept = "accept"
	VerdictReject = "reject"
	VerdictDeny   = "deny"
)

// PublishDecision: консоль передает решение оператора репликам шлюза.
// Состояние запроса меняет только Gate той реплики, что его ведет.
func PublishDecision(ctx context.Context, rdb *redis.Client, id, verdict string) error {
	return rdb.Publish(ctx, infra.RedisChanApprovalDecisions, id+":"+verdict).Err()
}

// OnDeny: куда отправлять сигнал "deny" (обычно Gate.Deny). Без него deny игнорируется.
func (in *Inbox) OnDeny(f func(ctx context.Context, id, reason string) error) { in.deny = f }

// ListenDecisions слушает решения консоли в devit:approvals:decisions
// (формат "id:accept", "id:reject" или "id:deny") и доставляет их в Inbox.
// deny отменяет запрос на любом шаге, accept/reject относятся только к подтверждению.
func (in *Inbox) ListenDecisions(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, in.logger, infra.RedisChanApprovalDecisions, nil, func(payload string) {
		in.applyDecision(ctx, payload)
	})
}

func (in *Inbox) applyDecision(ctx context.Context, payload string) {
	id, verdict, ok := infra.SplitSignal(payload)
	if !ok {
		in.logger.Error("invalid decision signal", zap.String("payload", payload))
		return
	}
	var err error
	switch verdict {
	case VerdictAccept, VerdictReject:
		err = in.Respond(ctx, id, Response{Accept: verdict == VerdictAccept, Reviewer: "console"})
	case VerdictDeny:
		if in.deny == nil {
			in.logger.Warn("deny signal without handler", zap.String("request_id", id))
			return
		}
		err = in.deny(ctx, id, "denied from console")
	default:
		in.logger.Error("invalid decision signal", zap.String("payload", payload))
		return
	}
	if err != nil {
		in.logger.Warn("decision not applied", zap.String("request_id", id), zap.Error(err))
	}
}
