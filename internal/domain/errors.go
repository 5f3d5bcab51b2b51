package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Таксономия ошибок ядра. Вызывающий код сравнивает через errors.Is,
// детали добавляются оборачиванием fmt.Errorf("...: %w", ...).
var (
	ErrManifestInvalid           = errors.New("manifest invalid")
	ErrSafetyGateRejected        = errors.New("safety gate rejected")
	ErrPolicyViolationBlocking   = errors.New("policy violation: blocking")
	ErrPolicyViolationWarning    = errors.New("policy violation: warning")
	ErrApprovalDenied            = errors.New("approval denied")
	ErrApprovalExpired           = errors.New("approval expired")
	ErrApprovalAlreadyResolved   = errors.New("approval already resolved")
	ErrSecretMismatch            = errors.New("secret mismatch")
	ErrCapabilityDeniedAtRuntime = errors.New("capability denied at runtime")
	ErrSandboxTimeout            = errors.New("sandbox timeout")
	ErrCapacityExceeded          = errors.New("capacity exceeded")
	ErrNotFound                  = errors.New("not found")
	ErrQuarantined               = errors.New("quarantined")

	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrGrantExceedsManifest = errors.New("granted capabilities exceed manifest")
	ErrAgentReused          = errors.New("agent already executed")
	ErrDuplicateSkill       = errors.New("skill version already registered")
	ErrDuplicateRule        = errors.New("policy rule already exists")
	ErrApprovalRequired     = errors.New("approval required")
	ErrNotLive              = errors.New("skill is not live")
	ErrBundleMismatch       = errors.New("bundle differs from vetted content")
)

// Retryable: только нехватка мощности лечится повтором запроса.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// PolicyError несет ссылки на сработавшие правила, чтобы вызывающий видел причину отказа.
type PolicyError struct {
	Kind  error // ErrPolicyViolationBlocking или ErrPolicyViolationWarning
	Rules []RuleRef
}

func (e *PolicyError) Error() string {
	ids := make([]string, len(e.Rules))
	for i, r := range e.Rules {
		ids[i] = r.ID
	}
	return fmt.Sprintf("%s: rules [%s]", e.Kind, strings.Join(ids, ", "))
}

func (e *PolicyError) Unwrap() error { return e.Kind }

// RejectError описывает отказ Safety Gate для регистранта.
type RejectError struct {
	SkillID string
	Version string
	Reason  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s@%s: %s", ErrSafetyGateRejected, e.SkillID, e.Version, e.Reason)
}

func (e *RejectError) Unwrap() error { return ErrSafetyGateRejected }
