package postgres

/*
Файл policy_repo.go отвечает за хранение и поставку правил (CEL).
Данный слой отделяет долговременное хранение правил в PostgreSQL
от их мгновенной проверки в оперативной памяти шлюза (policy.Store).
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/skillgate/internal/domain"
)

const ruleColumns = `id, name, category, condition, action, message, applies_to, priority, enabled, created_at, updated_at`

type PolicyRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo { return &PolicyRepo{db: db, now: time.Now} }

// ListRules выполняет "холодную загрузку" всего набора правил (policy.RuleRepository).
func (r *PolicyRepo) ListRules(ctx context.Context) ([]domain.PolicyRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM policy_rules ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query rules: %w", err)
	}
	defer rows.Close()

	results := make([]domain.PolicyRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rule: %w", err)
		}
		results = append(results, rule)
	}
	return results, rows.Err()
}

func (r *PolicyRepo) GetRule(ctx context.Context, id string) (domain.PolicyRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM policy_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PolicyRule{}, fmt.Errorf("%w: rule %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.PolicyRule{}, fmt.Errorf("postgres: failed to get rule: %w", err)
	}
	return rule, nil
}

// CreateRule создает правило. Пустой ID заменяется на сгенерированный.
func (r *PolicyRepo) CreateRule(ctx context.Context, rule *domain.PolicyRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	applies, err := jsonb(rule.AppliesTo)
	if err != nil {
		return fmt.Errorf("postgres: encode applies_to: %w", err)
	}
	now := r.now()
	rule.CreatedAt, rule.UpdatedAt = now, now

	query := `INSERT INTO policy_rules (` + ruleColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, string(rule.Category), rule.Condition, string(rule.Action), rule.Message,
		applies, rule.Priority, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRule, rule.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to create rule: %w", err)
	}
	return nil
}

// UpdateRule переписывает правило целиком, кроме created_at.
func (r *PolicyRepo) UpdateRule(ctx context.Context, rule *domain.PolicyRule) error {
	applies, err := jsonb(rule.AppliesTo)
	if err != nil {
		return fmt.Errorf("postgres: encode applies_to: %w", err)
	}
	rule.UpdatedAt = r.now()

	query := `
		UPDATE policy_rules
		SET name = $1, category = $2, condition = $3, action = $4, message = $5,
		    applies_to = $6, priority = $7, enabled = $8, updated_at = $9
		WHERE id = $10`
	res, err := r.db.ExecContext(ctx, query,
		rule.Name, string(rule.Category), rule.Condition, string(rule.Action), rule.Message,
		applies, rule.Priority, rule.Enabled, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update rule: %w", err)
	}
	return expectOne(res, "rule", rule.ID)
}

func (r *PolicyRepo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete rule: %w", err)
	}
	return expectOne(res, "rule", id)
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
	}
	return nil
}

func scanRule(s scanner) (domain.PolicyRule, error) {
	var (
		rule             domain.PolicyRule
		category, action string
		applies          []byte
	)
	err := s.Scan(&rule.ID, &rule.Name, &category, &rule.Condition, &action, &rule.Message,
		&applies, &rule.Priority, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return domain.PolicyRule{}, err
	}
	if len(applies) > 0 {
		if err := json.Unmarshal(applies, &rule.AppliesTo); err != nil {
			return domain.PolicyRule{}, fmt.Errorf("decode applies_to: %w", err)
		}
	}
	rule.Category = domain.RuleCategory(category)
	rule.Action = domain.RuleAction(action)
	return rule, nil
}
