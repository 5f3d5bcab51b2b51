package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra/auth"
)

// ApprovalService Описываем, что нам нужно от сервиса
type ApprovalService interface {
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetApprovals(ctx context.Context, status string) ([]*domain.ApprovalRequest, error)
	DecideApproval(ctx context.Context, id string, approved bool, reviewer, comment string) error
	DenyApproval(ctx context.Context, id, reviewer, reason string) error
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	approval, err := h.service.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// List: GET /v1/approvals?status=PENDING_CONFIRM. Без статуса отдаем всю очередь.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetApprovals(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// Decide: решение по первому шагу. Ответ 202: решение применит шлюз, ведущий запрос.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.DecideApproval(r.Context(), chi.URLParam(r, "id"), req.Approved, reviewer(r), req.Comment); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type DenyRequest struct {
	Reason string `json:"reason"`
}

func (h *ApprovalHandler) Deny(w http.ResponseWriter, r *http.Request) {
	// тело с причиной необязательно
	var req DenyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	if err := h.service.DenyApproval(r.Context(), chi.URLParam(r, "id"), reviewer(r), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// reviewer: оператор из проверенного токена.
func reviewer(r *http.Request) string {
	if claims, ok := auth.ClaimsFrom(r.Context()); ok {
		return claims.Subject
	}
	return ""
}
