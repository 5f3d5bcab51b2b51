package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
)

type AgentService interface {
	KillAgent(ctx context.Context, agentID, operator string) error
}

type AgentHistory interface {
	AgentHistory(ctx context.Context, agentID string) ([]audit.Event, error)
}

type AgentHandler struct {
	service AgentService
	history AgentHistory
}

func NewAgentHandler(s AgentService, history AgentHistory) *AgentHandler {
	return &AgentHandler{service: s, history: history}
}

// Get: переходы агента по журналу. 404, если журнал агента не знает.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.history.AgentHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(events) == 0 {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Kill: мгновенная остановка (kill-switch) на всех репликах.
func (h *AgentHandler) Kill(w http.ResponseWriter, r *http.Request) {
	if err := h.service.KillAgent(r.Context(), chi.URLParam(r, "id"), reviewer(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
