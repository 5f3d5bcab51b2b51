package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/skillgate/internal/audit"
)

// AuditLogProvider описывает контракт для чтения журнала.
// Модель события общая с пакетом audit.
type AuditLogProvider interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs запрашивает журнал с фильтрацией.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	logs, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

// AgentHistory: переходы одного агента в порядке возникновения.
func (s *AuditService) AgentHistory(ctx context.Context, agentID string) ([]audit.Event, error) {
	events, err := s.FetchLogs(ctx, audit.Filter{Kind: audit.KindAgentTransition, SubjectID: agentID})
	if err != nil {
		return nil, err
	}
	// журнал отдает новые первыми
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
