package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage хранит пачки в памяти. Используется в тестах и в dev-режиме без Postgres.
type MemoryStorage struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) WriteBatch(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStorage) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Recorder: синхронный Sink, события доступны сразу после Emit.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.TraceID == "" {
		e.TraceID = TraceID(ctx)
	}
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind фильтрует события по виду, сохраняя порядок.
func (r *Recorder) OfKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
