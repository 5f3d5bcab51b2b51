package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/skillgate/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, role, scopes, created_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	var scopes []byte
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &u.Scopes); err != nil {
			return nil, fmt.Errorf("postgres: decode scopes: %w", err)
		}
	}
	return u, nil
}
