package domain

import (
	"fmt"
	"time"
)

// ApprovalState: состояния конечного автомата двойного подтверждения.
type ApprovalState string

const (
	ApprovalPendingConfirm ApprovalState = "PENDING_CONFIRM"
	ApprovalPendingSecret  ApprovalState = "PENDING_SECRET"
	ApprovalGranted        ApprovalState = "GRANTED"
	ApprovalDenied         ApprovalState = "DENIED"
	ApprovalExpired        ApprovalState = "EXPIRED"
)

// Terminal: из конечных состояний переходов нет.
func (s ApprovalState) Terminal() bool {
	switch s {
	case ApprovalGranted, ApprovalDenied, ApprovalExpired:
		return true
	}
	return false
}

func (s ApprovalState) Pending() bool {
	return s == ApprovalPendingConfirm || s == ApprovalPendingSecret
}

// approvalEdges: допустимые ребра графа. Всё остальное отвергается.
var approvalEdges = map[ApprovalState][]ApprovalState{
	ApprovalPendingConfirm: {ApprovalPendingSecret, ApprovalDenied, ApprovalExpired},
	ApprovalPendingSecret:  {ApprovalGranted, ApprovalDenied, ApprovalExpired},
}

// ApprovalRequest ссылается на запрос запуска. Секрет здесь не хранится никогда,
// только булев результат его проверки.
type ApprovalRequest struct {
	ID           string        `json:"id"`
	RunID        string        `json:"run_id"`
	SkillID      string        `json:"skill_id"`
	SkillVersion string        `json:"skill_version"`
	Requester    string        `json:"requester"`
	Capabilities CapabilitySet `json:"capabilities"`
	RiskTier     RiskTier      `json:"risk_tier"`
	Reasons      []string      `json:"reasons,omitempty"`
	State        ApprovalState `json:"state"`

	SecretVerified bool   `json:"secret_verified"`
	FailedAttempts int    `json:"failed_attempts"`
	Resolution     string `json:"resolution,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PairKey: не более одного активного запроса на пару навык + инициатор.
func (a *ApprovalRequest) PairKey() string {
	return a.SkillID + "|" + a.Requester
}

// CanTransitionTo проверяет правила конечного автомата.
func (a *ApprovalRequest) CanTransitionTo(next ApprovalState) error {
	if a.State.Terminal() {
		return fmt.Errorf("%w: request %s is %s", ErrApprovalAlreadyResolved, a.ID, a.State)
	}
	for _, allowed := range approvalEdges[a.State] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, next)
}

// Transition применяет переход. Для PENDING_SECRET вызывающий передает новый дедлайн,
// для конечных состояний фиксируется момент разрешения.
func (a *ApprovalRequest) Transition(next ApprovalState, at time.Time, deadline time.Time, reason string) error {
	if err := a.CanTransitionTo(next); err != nil {
		return err
	}
	a.State = next
	if next.Terminal() {
		t := at
		a.ResolvedAt = &t
		a.Resolution = reason
		return nil
	}
	a.ExpiresAt = deadline
	return nil
}

// Clone отдает копию наружу, чтобы вызывающий не мог обойти автомат.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	out := *a
	out.Capabilities = a.Capabilities.Clone()
	out.Reasons = append([]string(nil), a.Reasons...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
