package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/lifecycle"
	"github.com/xela07ax/skillgate/internal/source"
)

var ErrBadRequest = errors.New("bad request")

type errorBody struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable,omitempty"`
	Rules     []domain.RuleRef `json:"rules,omitempty"`
	Run       *RunResult       `json:"run,omitempty"`
}

type errorClass struct {
	target error
	status int
	code   string
}

// errorClasses: первое совпадение по errors.Is задает статус. Порядок важен:
// RejectError и PolicyError разворачиваются в свои sentinel.
var errorClasses = []errorClass{
	{ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{domain.ErrManifestInvalid, http.StatusBadRequest, "manifest_invalid"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{lifecycle.ErrAgentNotFound, http.StatusNotFound, "agent_not_found"},
	{domain.ErrQuarantined, http.StatusConflict, "quarantined"},
	{domain.ErrNotLive, http.StatusConflict, "not_live"},
	{domain.ErrDuplicateSkill, http.StatusConflict, "duplicate_skill"},
	{domain.ErrApprovalAlreadyResolved, http.StatusConflict, "approval_already_resolved"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrSafetyGateRejected, http.StatusUnprocessableEntity, "safety_gate_rejected"},
	{domain.ErrGrantExceedsManifest, http.StatusUnprocessableEntity, "grant_exceeds_manifest"},
	{domain.ErrBundleMismatch, http.StatusConflict, "bundle_mismatch"},
	{source.ErrBundleTooLarge, http.StatusRequestEntityTooLarge, "bundle_too_large"},
	{domain.ErrPolicyViolationBlocking, http.StatusForbidden, "policy_violation"},
	{domain.ErrApprovalDenied, http.StatusForbidden, "approval_denied"},
	{domain.ErrApprovalExpired, http.StatusForbidden, "approval_expired"},
	{domain.ErrApprovalRequired, http.StatusForbidden, "approval_required"},
	{domain.ErrCapabilityDeniedAtRuntime, http.StatusForbidden, "capability_denied"},
	{lifecycle.ErrAgentKilled, http.StatusConflict, "agent_killed"},
	{domain.ErrCapacityExceeded, http.StatusServiceUnavailable, "capacity_exceeded"},
	{domain.ErrSandboxTimeout, http.StatusGatewayTimeout, "sandbox_timeout"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded"},
	{context.Canceled, http.StatusServiceUnavailable, "cancelled"},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeError: единственное место, где ошибки ядра превращаются в HTTP.
func writeError(w http.ResponseWriter, err error, run *RunResult) {
	status, code := classify(err)
	body := errorBody{
		Error:     code,
		Message:   err.Error(),
		Retryable: domain.Retryable(err),
		Run:       run,
	}
	var pe *domain.PolicyError
	if errors.As(err, &pe) {
		body.Rules = pe.Rules
	}
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		// детали внутренних ошибок наружу не отдаем
		body.Message = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
