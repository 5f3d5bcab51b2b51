package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Store: персистентная таблица SkillRecord по ключу id+version.
type Store interface {
	// Insert возвращает domain.ErrDuplicateSkill, если версия уже есть.
	Insert(ctx context.Context, rec domain.SkillRecord) error
	// Get возвращает domain.ErrNotFound, если записи нет.
	Get(ctx context.Context, id, version string) (domain.SkillRecord, error)
	// Versions: все версии навыка в произвольном порядке.
	Versions(ctx context.Context, id string) ([]string, error)
	// Transition атомарно меняет состояние, только если текущее равно from,
	// и дописывает вердикт в trail.
	Transition(ctx context.Context, id, version string, from, to domain.SkillState, v domain.Verdict) (domain.SkillRecord, error)
	List(ctx context.Context) ([]domain.SkillRecord, error)
}

// MemoryStore: реализация для тестов и однопроцессного режима.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.SkillRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.SkillRecord)}
}

func (s *MemoryStore) Insert(_ context.Context, rec domain.SkillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key()]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSkill, rec.Key())
	}
	s.records[rec.Key()] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id, version string) (domain.SkillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[domain.SkillKey(id, version)]
	if !ok {
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s", domain.ErrNotFound, domain.SkillKey(id, version))
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Versions(_ context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rec := range s.records {
		if rec.Manifest.ID == id {
			out = append(out, rec.Manifest.Version)
		}
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id, version string, from, to domain.SkillState, v domain.Verdict) (domain.SkillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.SkillKey(id, version)
	rec, ok := s.records[key]
	if !ok {
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s", domain.ErrNotFound, key)
	}
	if rec.State != from {
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s is %s, expected %s", domain.ErrInvalidTransition, key, rec.State, from)
	}
	rec.State = to
	rec.Trail = append(rec.Trail, v)
	rec.UpdatedAt = v.At
	s.records[key] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.SkillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SkillRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
