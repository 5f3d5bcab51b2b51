package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/skillgate/internal/domain"
)

var ruleCols = []string{"id", "name", "category", "condition", "action", "message", "applies_to", "priority", "enabled", "created_at", "updated_at"}

func fixedPolicyRepo(t *testing.T) (*PolicyRepo, sqlmock.Sqlmock) {
	db, mock := newMock(t)
	repo := NewPolicyRepo(db)
	repo.now = func() time.Time { return created }
	return repo, mock
}

func TestPolicyRepoListRules(t *testing.T) {
	repo, mock := fixedPolicyRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_rules ORDER BY priority DESC, id")).
		WillReturnRows(sqlmock.NewRows(ruleCols).
			AddRow("data_privacy", "Data privacy", "compliance", "data.has_pii", "block", "pii", []byte(`["data_processing"]`), 95, true, created, created).
			AddRow("audit_all", "Audit", "security", "true", "log", "", []byte(`[]`), 0, true, created, created))

	rules, err := repo.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, domain.ActionBlock, rules[0].Action)
	assert.Equal(t, []domain.JobProfile{domain.ProfileDataProcessing}, rules[0].AppliesTo)
	assert.Empty(t, rules[1].AppliesTo)
}

func TestPolicyRepoCRUD(t *testing.T) {
	repo, mock := fixedPolicyRepo(t)
	ctx := context.Background()
	rule := &domain.PolicyRule{Name: "Night", Condition: "!time.business_hours", Action: domain.ActionRequireApproval, Priority: 70, Enabled: true}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_rules")).
		WithArgs(sqlmock.AnyArg(), "Night", "", "!time.business_hours", "require-approval", "", []byte("[]"), 70, true, created, created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.CreateRule(ctx, rule))
	assert.NotEmpty(t, rule.ID)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_rules")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, repo.CreateRule(ctx, rule), domain.ErrDuplicateRule)

	rule.Priority = 75
	mock.ExpectExec(regexp.QuoteMeta("UPDATE policy_rules")).
		WithArgs("Night", "", "!time.business_hours", "require-approval", "", []byte("[]"), 75, true, created, rule.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateRule(ctx, rule))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM policy_rules WHERE id = $1")).
		WithArgs(rule.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.DeleteRule(ctx, rule.ID))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM policy_rules WHERE id = $1")).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.DeleteRule(ctx, "ghost"), domain.ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_rules WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(ruleCols))
	_, err := repo.GetRule(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
