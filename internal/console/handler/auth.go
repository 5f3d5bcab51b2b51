package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/skillgate/internal/domain"
)

type TokenIssuer interface {
	GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error)
}

type AuthHandler struct {
	service TokenIssuer
}

func NewAuthHandler(s TokenIssuer) *AuthHandler {
	return &AuthHandler{service: s}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// не уточняем, что именно неверно (логин или пароль), для защиты от перебора
	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
