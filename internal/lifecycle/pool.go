package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Capacity: внешний ограничитель числа одновременных агентов.
type Capacity interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Pool: семафор на слоты агентов плюс лимит частоты запусков.
// Ожидание слота ограничено queueTimeout, затем CapacityExceeded.
type Pool struct {
	size         int64
	sem          *semaphore.Weighted
	limiter      *rate.Limiter
	queueTimeout time.Duration
	inUse        atomic.Int64
}

// NewPool: spawnRate <= 0 снимает ограничение частоты.
func NewPool(size int64, queueTimeout time.Duration, spawnRate float64) *Pool {
	if size < 1 {
		size = 1
	}
	limit := rate.Inf
	if spawnRate > 0 {
		limit = rate.Limit(spawnRate)
	}
	burst := int(size)
	return &Pool{
		size:         size,
		sem:          semaphore.NewWeighted(size),
		limiter:      rate.NewLimiter(limit, burst),
		queueTimeout: queueTimeout,
	}
}

func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if p.queueTimeout <= 0 {
		if !p.limiter.Allow() {
			return nil, fmt.Errorf("%w: spawn rate limit", domain.ErrCapacityExceeded)
		}
		if !p.sem.TryAcquire(1) {
			return nil, fmt.Errorf("%w: %d agents running", domain.ErrCapacityExceeded, p.size)
		}
		return p.releaser(), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	defer cancel()
	if err := p.limiter.Wait(waitCtx); err != nil {
		return nil, p.waitErr(ctx, "spawn rate limit")
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		return nil, p.waitErr(ctx, fmt.Sprintf("%d agents running", p.size))
	}
	return p.releaser(), nil
}

// waitErr: отмену вызывающего не выдаем за нехватку мощности.
func (p *Pool) waitErr(ctx context.Context, what string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s, waited %s", domain.ErrCapacityExceeded, what, p.queueTimeout)
}

func (p *Pool) releaser() func() {
	p.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}
}

// Usage: доля занятых слотов, 0..1.
func (p *Pool) Usage() float64 {
	return float64(p.inUse.Load()) / float64(p.size)
}

func (p *Pool) InUse() int64 { return p.inUse.Load() }
func (p *Pool) Size() int64  { return p.size }
