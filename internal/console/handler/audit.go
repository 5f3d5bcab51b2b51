package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/console/service"
)

type AuditService interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

type AuditHandler struct {
	service AuditService
}

func NewAuditHandler(s AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает события журнала с фильтрацией
// GET /v1/audit?kind=...&skill_id=...&requester=...&trace_id=...&since=RFC3339&limit=N
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := h.service.FetchLogs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:      audit.EventKind(q.Get("kind")),
		SubjectID: q.Get("subject_id"),
		SkillID:   q.Get("skill_id"),
		Requester: q.Get("requester"),
		TraceID:   q.Get("trace_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: since: %v", service.ErrBadRequest, err)
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a positive number", service.ErrBadRequest)
		}
		f.Limit = n
	}
	return f, nil
}
