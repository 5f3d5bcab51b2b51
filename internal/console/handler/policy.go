package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/skillgate/internal/domain"
)

type PolicyService interface {
	GetByID(ctx context.Context, id string) (domain.PolicyRule, error)
	GetAll(ctx context.Context) ([]domain.PolicyRule, error)
	Create(ctx context.Context, rule *domain.PolicyRule) error
	Update(ctx context.Context, rule *domain.PolicyRule) error
	Delete(ctx context.Context, id string) error
}

type PolicyHandler struct {
	service PolicyService
}

func NewPolicyHandler(s PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get возвращает правило по ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// List возвращает все правила в порядке вычисления
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// Create создает правило. Некомпилируемое условие отклоняется с 400.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.PolicyRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.Create(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// Update переписывает правило целиком
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var rule domain.PolicyRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")

	if err := h.service.Update(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Delete удаляет правило, шлюзы перечитают набор по сигналу
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
