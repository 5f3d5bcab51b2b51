package audit

import (
	"context"
	"time"
)

// EventKind классифицирует события журнала.
type EventKind string

const (
	KindSkillRegistered    EventKind = "skill.registered"
	KindSafetyVerdict      EventKind = "safety.verdict"
	KindPolicyDecision     EventKind = "policy.decision"
	KindApprovalTransition EventKind = "approval.transition"
	KindAgentTransition    EventKind = "agent.transition"
	KindCredentialIssued   EventKind = "credential.issued"
	KindCredentialRevoked  EventKind = "credential.revoked"
	KindBundleMismatch     EventKind = "safety.bundle_mismatch"
)

// Event неизменяем после Emit. Seq монотонно растет в пределах процесса
// и задает порядок возникновения.
//
// Payload никогда не содержит секретов: кандидат PIN и его хеш сюда не попадают.
type Event struct {
	ID        string                 `json:"id"`
	Seq       uint64                 `json:"seq"`
	Kind      EventKind              `json:"kind"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SubjectID string                 `json:"subject_id"`
	SkillID   string                 `json:"skill_id,omitempty"`
	Requester string                 `json:"requester,omitempty"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Filter: выборка журнала для консоли. Пустые поля не фильтруют.
type Filter struct {
	Kind      EventKind
	SubjectID string
	SkillID   string
	Requester string
	TraceID   string
	Since     time.Time
	Limit     int
}

// Sink: куда ядро отдает события. Emit не блокирует горячий путь надолго.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// WithTraceID кладет Trace-ID в контекст, события подхватывают его автоматически.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID безопасно достает ID в любом месте кода.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// Discard: пустой приемник для компонентов, собранных без аудита.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
