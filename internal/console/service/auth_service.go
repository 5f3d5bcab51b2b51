package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra/auth"
)

type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

type AuthService struct {
	repo   AuthProvider
	signer *auth.Signer
	logger *zap.Logger
}

func NewAuthService(repo AuthProvider, signer *auth.Signer, logger *zap.Logger) *AuthService {
	return &AuthService{
		repo:   repo,
		signer: signer,
		logger: logger.Named("auth-service"),
	}
}

// GenerateToken выдает RS256 токен оператору. Причину отказа наружу не раскрываем.
func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (источник правды: Postgres)
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil || user == nil {
		s.logger.Warn("login rejected", zap.String("username", username), zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("login rejected", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись закрытым ключом, скоупы берем из прав пользователя в БД
	token, expiresAt, err := s.signer.Sign(user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("token issued", zap.String("username", username), zap.String("role", user.Role))
	return &domain.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
