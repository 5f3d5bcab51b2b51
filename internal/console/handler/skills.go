package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/skillgate/internal/domain"
)

// SkillCatalog: реестр глазами консоли, только чтение.
type SkillCatalog interface {
	List(ctx context.Context) ([]domain.SkillRecord, error)
	Get(ctx context.Context, id, version string) (domain.SkillRecord, error)
	Versions(ctx context.Context, id string) ([]string, error)
}

type SkillHandler struct {
	catalog SkillCatalog
}

func NewSkillHandler(c SkillCatalog) *SkillHandler {
	return &SkillHandler{catalog: c}
}

// List: GET /v1/skills?state=QUARANTINE
func (h *SkillHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.catalog.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if state := domain.SkillState(r.URL.Query().Get("state")); state != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.State == state {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, records)
}

// Versions: GET /v1/skills/{id}
func (h *SkillHandler) Versions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	versions, err := h.catalog.Versions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "versions": versions})
}

// Get: GET /v1/skills/{id}/{version}, запись вместе с журналом вердиктов.
func (h *SkillHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
