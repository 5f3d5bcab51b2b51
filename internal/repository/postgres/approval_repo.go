package postgres

/*
Файл approval_repo.go хранит запросы Human-in-the-loop (HITL, «человек в контуре»).
Сами переходы ведет approval.Gate; здесь только условная запись, исключающая Double Decision.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/skillgate/internal/domain"
)

const approvalColumns = `id, run_id, skill_id, skill_version, requester, capabilities, risk_tier, reasons,
	state, secret_verified, failed_attempts, resolution, created_at, expires_at, resolved_at`

type ApprovalRepo struct {
	db *sql.DB
}

func NewApprovalRepo(db *sql.DB) *ApprovalRepo { return &ApprovalRepo{db: db} }

func (r *ApprovalRepo) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	caps, err := json.Marshal(req.Capabilities)
	if err != nil {
		return fmt.Errorf("postgres: encode capabilities: %w", err)
	}
	reasons, err := jsonb(req.Reasons)
	if err != nil {
		return fmt.Errorf("postgres: encode reasons: %w", err)
	}
	query := `INSERT INTO approvals (` + approvalColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.db.ExecContext(ctx, query,
		req.ID, req.RunID, req.SkillID, req.SkillVersion, req.Requester, caps, string(req.RiskTier), reasons,
		string(req.State), req.SecretVerified, req.FailedAttempts, req.Resolution,
		req.CreatedAt, req.ExpiresAt, nullTime(req.ResolvedAt))
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// Get получение деталей запроса для анализа.
func (r *ApprovalRepo) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get approval: %w", err)
	}
	return req, nil
}

// Update атомарно сохраняет запрос, только если в БД он все еще в состоянии from.
func (r *ApprovalRepo) Update(ctx context.Context, req *domain.ApprovalRequest, from domain.ApprovalState) error {
	query := `
		UPDATE approvals
		SET state = $1,
		    secret_verified = $2,
		    failed_attempts = $3,
		    resolution = $4,
		    expires_at = $5,
		    resolved_at = $6
		WHERE id = $7 AND state = $8`

	res, err := r.db.ExecContext(ctx, query,
		string(req.State), req.SecretVerified, req.FailedAttempts, req.Resolution,
		req.ExpiresAt, nullTime(req.ResolvedAt), req.ID, string(from))
	if err != nil {
		return fmt.Errorf("postgres: failed to update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to update approval: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Ни одной строки: либо ID неверный, либо решение по заявке уже было принято
	cur, err := r.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: approval %s is %s", domain.ErrApprovalAlreadyResolved, req.ID, cur.State)
}

// List фильтрация и выборка списка запросов (Decision Queue).
func (r *ApprovalRepo) List(ctx context.Context, state domain.ApprovalState) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`

	var args []interface{}
	if state != "" {
		query += " WHERE state = $1"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, req)
	}
	return results, rows.Err()
}

func scanApproval(s scanner) (*domain.ApprovalRequest, error) {
	var (
		req           domain.ApprovalRequest
		caps, reasons []byte
		tier, state   string
		resolvedAt    sql.NullTime
	)
	err := s.Scan(
		&req.ID, &req.RunID, &req.SkillID, &req.SkillVersion, &req.Requester, &caps, &tier, &reasons,
		&state, &req.SecretVerified, &req.FailedAttempts, &req.Resolution,
		&req.CreatedAt, &req.ExpiresAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &req.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &req.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons: %w", err)
		}
	}
	req.RiskTier = domain.RiskTier(tier)
	req.State = domain.ApprovalState(state)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return &req, nil
}
