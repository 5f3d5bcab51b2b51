package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/skillgate/internal/audit"
)

const auditColumns = `id, seq, kind, trace_id, subject_id, skill_id, requester, from_state, to_state, reason, payload, timestamp`

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// WriteBatch: одна многострочная вставка на пачку (audit.Storage).
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_events
	numFields := 12
	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		if i > 0 {
			placeholders.WriteByte(',')
		}
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12)

		var payload []byte
		if len(e.Payload) > 0 {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("postgres: encode audit payload %s: %w", e.ID, err)
			}
			payload = b
		}
		vals = append(vals,
			e.ID, int64(e.Seq), string(e.Kind), e.TraceID, e.SubjectID, e.SkillID, e.Requester,
			e.From, e.To, e.Reason, payload, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_events (" + auditColumns + ") VALUES " + placeholders.String()
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

const maxAuditLimit = 500

// Query: журнал для консоли, новые события первыми.
func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.SkillID != "" {
		add("skill_id = $%d", f.SkillID)
	}
	if f.Requester != "" {
		add("requester = $%d", f.Requester)
	}
	if f.TraceID != "" {
		add("trace_id = $%d", f.TraceID)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > maxAuditLimit {
		limit = 100
	}

	query := "SELECT " + auditColumns + " FROM audit_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, seq DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e       audit.Event
			seq     int64
			kind    string
			payload []byte
		)
		err := rows.Scan(&e.ID, &seq, &kind, &e.TraceID, &e.SubjectID, &e.SkillID, &e.Requester,
			&e.From, &e.To, &e.Reason, &payload, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("postgres: decode audit payload: %w", err)
			}
		}
		e.Seq = uint64(seq)
		e.Kind = audit.EventKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
