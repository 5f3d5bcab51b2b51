package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/skillgate/internal/console/service"
	"github.com/xela07ax/skillgate/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusOf: первое совпадение по errors.Is задает статус.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateRule):
		return http.StatusConflict, "duplicate_rule"
	case errors.Is(err, domain.ErrApprovalAlreadyResolved):
		return http.StatusConflict, "approval_already_resolved"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError || status == http.StatusUnauthorized {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(service.ErrBadRequest, err)
	}
	return nil
}
