package engine

import (
	"context"
	"fmt"

	"github.com/xela07ax/skillgate/internal/infra/auth"
)

// Скоупы токена инициатора.
const (
	ScopeRun      = "skills.run"
	ScopeRegister = "skills.register"
	ScopeRead     = "skills.read"
	ScopeApprove  = "approvals.decide"
)

// requester: инициатор запуска берется только из проверенного токена.
func requester(ctx context.Context) (string, error) {
	claims, ok := auth.ClaimsFrom(ctx)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrBadRequest)
	}
	return claims.Subject, nil
}
