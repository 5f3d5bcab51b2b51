package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/xela07ax/skillgate/internal/console/service"
	"github.com/xela07ax/skillgate/internal/domain"
)

type DashboardService interface {
	GetGlobalStats(ctx context.Context, fresh bool) (*domain.GlobalStats, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

// GetStats: агрегаты из кэша. ?fresh=true идет мимо кэша и обновляет его.
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	fresh := false
	if v := r.URL.Query().Get("fresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: fresh must be a boolean", service.ErrBadRequest))
			return
		}
		fresh = b
	}
	stats, err := h.service.GetGlobalStats(r.Context(), fresh)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, stats)
}
