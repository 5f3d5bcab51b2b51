package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims: токен оператора консоли (RS256).
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Role   string          `json:"role"`
	Scopes map[string]bool `json:"scopes"` // "approvals.decide": true, "skills.read": true
	jwt.RegisteredClaims
}

// HasScope: роль admin покрывает все скоупы.
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Role == "admin" || c.Scopes[scope]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // никогда не отдаем наружу
	Role         string          `json:"role"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}
