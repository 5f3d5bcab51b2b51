package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Store: журнал ApprovalRequest.
type Store interface {
	Create(ctx context.Context, req *domain.ApprovalRequest) error
	// Get возвращает domain.ErrNotFound, если запроса нет.
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	// Update сохраняет запрос, только если в хранилище он все еще в состоянии from.
	// Иначе domain.ErrApprovalAlreadyResolved (двойное решение невозможно).
	Update(ctx context.Context, req *domain.ApprovalRequest, from domain.ApprovalState) error
	// List: пустой state означает все запросы. Новые первыми.
	List(ctx context.Context, state domain.ApprovalState) ([]*domain.ApprovalRequest, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	reqs map[string]*domain.ApprovalRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*domain.ApprovalRequest)}
}

func (s *MemoryStore) Create(_ context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[req.ID]; ok {
		return fmt.Errorf("approval %s already exists", req.ID)
	}
	s.reqs[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, fmt.Errorf("%w: approval %s", domain.ErrNotFound, id)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, req *domain.ApprovalRequest, from domain.ApprovalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reqs[req.ID]
	if !ok {
		return fmt.Errorf("%w: approval %s", domain.ErrNotFound, req.ID)
	}
	if cur.State != from {
		return fmt.Errorf("%w: approval %s is %s", domain.ErrApprovalAlreadyResolved, req.ID, cur.State)
	}
	s.reqs[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, state domain.ApprovalState) ([]*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, req := range s.reqs {
		if state == "" || req.State == state {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
