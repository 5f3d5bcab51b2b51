package postgres

/*
Файл skill_repo.go хранит записи навыков: манифест, состояние и журнал вердиктов.
Переходы состояний делаются условным UPDATE, поэтому две реплики не могут
одновременно перевести одну запись.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/skillgate/internal/domain"
)

const skillColumns = `manifest, state, trail, created_at, updated_at`

type SkillRepo struct {
	db *sql.DB
}

func NewSkillRepo(db *sql.DB) *SkillRepo { return &SkillRepo{db: db} }

func (r *SkillRepo) Insert(ctx context.Context, rec domain.SkillRecord) error {
	manifest, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("postgres: encode manifest: %w", err)
	}
	trail, err := jsonb(rec.Trail)
	if err != nil {
		return fmt.Errorf("postgres: encode trail: %w", err)
	}
	query := `INSERT INTO skills (id, version, manifest, state, trail, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.ExecContext(ctx, query,
		rec.Manifest.ID, rec.Manifest.Version, manifest, string(rec.State), trail, rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSkill, rec.Key())
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to insert skill: %w", err)
	}
	return nil
}

func (r *SkillRepo) Get(ctx context.Context, id, version string) (domain.SkillRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = $1 AND version = $2`, id, version)
	rec, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s", domain.ErrNotFound, domain.SkillKey(id, version))
	}
	if err != nil {
		return domain.SkillRecord{}, fmt.Errorf("postgres: failed to get skill: %w", err)
	}
	return rec, nil
}

func (r *SkillRepo) Versions(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM skills WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("postgres: scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Transition: UPDATE ... WHERE state = from. Ноль строк означает, что записи нет
// или ее уже перевел кто-то другой; различаем повторным чтением.
func (r *SkillRepo) Transition(ctx context.Context, id, version string, from, to domain.SkillState, v domain.Verdict) (domain.SkillRecord, error) {
	entry, err := json.Marshal([]domain.Verdict{v})
	if err != nil {
		return domain.SkillRecord{}, fmt.Errorf("postgres: encode verdict: %w", err)
	}
	query := `UPDATE skills
	          SET state = $1, trail = trail || $2::jsonb, updated_at = $3
	          WHERE id = $4 AND version = $5 AND state = $6
	          RETURNING ` + skillColumns
	row := r.db.QueryRowContext(ctx, query, string(to), entry, v.At, id, version, string(from))
	rec, err := scanSkill(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.SkillRecord{}, fmt.Errorf("postgres: failed to transition skill: %w", err)
	}

	cur, gerr := r.Get(ctx, id, version)
	if gerr != nil {
		return domain.SkillRecord{}, gerr
	}
	return domain.SkillRecord{}, fmt.Errorf("%w: skill %s is %s, expected %s", domain.ErrInvalidTransition, cur.Key(), cur.State, from)
}

func (r *SkillRepo) List(ctx context.Context) ([]domain.SkillRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list skills: %w", err)
	}
	defer rows.Close()

	// пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.SkillRecord, 0)
	for rows.Next() {
		rec, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan skill: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSkill(s scanner) (domain.SkillRecord, error) {
	var (
		rec             domain.SkillRecord
		manifest, trail []byte
		state           string
	)
	if err := s.Scan(&manifest, &state, &trail, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.SkillRecord{}, err
	}
	if err := json.Unmarshal(manifest, &rec.Manifest); err != nil {
		return domain.SkillRecord{}, fmt.Errorf("decode manifest: %w", err)
	}
	if len(trail) > 0 {
		if err := json.Unmarshal(trail, &rec.Trail); err != nil {
			return domain.SkillRecord{}, fmt.Errorf("decode trail: %w", err)
		}
	}
	rec.State = domain.SkillState(state)
	return rec, nil
}
