package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
)

type StatsRepo struct {
	db *sql.DB
}

func NewStatsRepo(db *sql.DB) *StatsRepo { return &StatsRepo{db: db} }

// GlobalStats собирает агрегаты дашборда. Запуски и агенты считаются по журналу
// переходов агентов за последние сутки.
func (r *StatsRepo) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	s := &domain.GlobalStats{
		SkillsByState:    make(map[domain.SkillState]int64),
		ApprovalsByState: make(map[domain.ApprovalState]int64),
		HourlyActivity:   make([]domain.ActivityPoint, 0),
	}

	// 1. Навыки и запросы подтверждения по состояниям
	if err := r.countBy(ctx, `SELECT state, COUNT(*) FROM skills GROUP BY state`, func(k string, n int64) {
		s.SkillsByState[domain.SkillState(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := r.countBy(ctx, `SELECT state, COUNT(*) FROM approvals GROUP BY state`, func(k string, n int64) {
		s.ApprovalsByState[domain.ApprovalState(k)] = n
	}); err != nil {
		return nil, err
	}

	// 2. Исходы агентов за сутки
	var active int64
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE to_state IN ('COMPLETED', 'FAILED')),
			COUNT(*) FILTER (WHERE to_state = 'FAILED'),
			COUNT(*) FILTER (WHERE to_state = 'SPAWNED') - COUNT(*) FILTER (WHERE to_state = 'DESTROYED')
		FROM audit_events
		WHERE kind = $1 AND timestamp > NOW() - INTERVAL '24 hours'`, string(audit.KindAgentTransition)).
		Scan(&s.TotalRuns, &s.FailedRuns, &active)
	if err != nil {
		return nil, fmt.Errorf("postgres: run stats: %w", err)
	}
	if active > 0 {
		s.ActiveAgents = int(active)
	}

	// 3. Почасовая активность
	rows, err := r.db.QueryContext(ctx, `
		SELECT to_char(h, 'HH24:00'), n FROM (
			SELECT date_trunc('hour', timestamp) AS h, COUNT(*) AS n
			FROM audit_events
			WHERE kind = $1 AND to_state = 'SPAWNED' AND timestamp > NOW() - INTERVAL '24 hours'
			GROUP BY h
		) t ORDER BY h`, string(audit.KindAgentTransition))
	if err != nil {
		return nil, fmt.Errorf("postgres: hourly activity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.ActivityPoint
		if err := rows.Scan(&p.Hour, &p.Count); err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		s.HourlyActivity = append(s.HourlyActivity, p)
	}
	return s, rows.Err()
}

func (r *StatsRepo) countBy(ctx context.Context, query string, put func(string, int64)) error {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("postgres: stats: %w", err)
		}
		put(k, n)
	}
	return rows.Err()
}
