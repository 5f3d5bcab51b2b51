package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
)

// TokenValidator: интерфейс, который реализуют и шлюз, и консоль
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey string

const claimsKey ctxKey = "claims"

// WithClaims кладет claims в контекст (middleware и тесты).
func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom достает claims, положенные middleware.
func ClaimsFrom(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*domain.CustomClaims)
	return c, ok && c != nil
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает запрос только при наличии scope (admin покрывает все).
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok || !claims.HasScope(scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
