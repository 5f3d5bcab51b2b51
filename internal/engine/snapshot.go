package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/xela07ax/skillgate/internal/domain"
)

// CapacityGauge: занятость пула агентов (lifecycle.Pool).
type CapacityGauge interface {
	Usage() float64
	InUse() int64
}

// ContextProvider собирает неизменяемый JobContext на момент оценки правил.
type ContextProvider struct {
	capacity CapacityGauge
	ledger   CostLedger
	limit    float64
	now      func() time.Time
	load     *loadTracker
}

func NewContextProvider(capacity CapacityGauge, ledger CostLedger, dailyLimit float64, now func() time.Time) *ContextProvider {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if now == nil {
		now = time.Now
	}
	return &ContextProvider{
		capacity: capacity,
		ledger:   ledger,
		limit:    dailyLimit,
		now:      now,
		load:     newLoadTracker(),
	}
}

// Job: что известно о запуске до оценки правил.
type Job struct {
	Manifest  domain.SkillManifest
	Granted   domain.CapabilitySet
	Requester string
	RiskTier  domain.RiskTier
	RiskScore int
	Data      domain.DataFlags
}

// Snapshot читает ресурсы, расходы и часы один раз. Недоступный журнал расходов
// означает отказ: без него правило дневного лимита оценить нельзя.
// Вызывается после Begin: CPU самого запуска уже входит в резерв.
func (p *ContextProvider) Snapshot(ctx context.Context, job Job) (domain.JobContext, error) {
	now := p.now()
	today, err := p.ledger.Today(ctx, job.Requester, now)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("cost ledger: %w", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	res := domain.ResourceSnapshot{
		CPUPercent:     p.load.reservedCPU(),
		MemoryMB:       float64(ms.Sys) / (1 << 20),
		RequestsPerMin: p.load.perMinute(now),
	}
	if p.capacity != nil {
		res.ActiveAgents = int(p.capacity.InUse())
		res.CapacityUsed = p.capacity.Usage()
	}

	return domain.JobContext{
		SkillID:      job.Manifest.ID,
		Requester:    job.Requester,
		Profile:      job.Manifest.Profile,
		RiskTier:     job.RiskTier,
		RiskScore:    job.RiskScore,
		Capabilities: job.Granted.Clone(),
		Resources:    res,
		Cost: domain.CostSnapshot{
			Today:       today,
			DailyLimit:  p.limit,
			RunEstimate: job.Manifest.Resources.EstimatedCost,
		},
		Data: job.Data,
		Now:  now,
	}, nil
}

// Begin отмечает запуск в окне частоты и резервирует заявленный CPU до вызова end.
func (p *ContextProvider) Begin(m domain.SkillManifest) (end func()) {
	return p.load.begin(p.now(), m.Resources.CPUPercent)
}

// Charge списывает оценку стоимости запуска с дневного счета инициатора.
func (p *ContextProvider) Charge(ctx context.Context, requester string, amount float64) error {
	return p.ledger.Charge(ctx, requester, amount, p.now())
}

// loadTracker: запуски за последнюю минуту и CPU, заявленный идущими запусками.
type loadTracker struct {
	mu     sync.Mutex
	cpu    float64
	starts []time.Time
}

func newLoadTracker() *loadTracker { return &loadTracker{} }

func (t *loadTracker) begin(now time.Time, cpu float64) func() {
	t.mu.Lock()
	t.starts = append(t.prune(now), now)
	t.cpu += cpu
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.cpu -= cpu
			t.mu.Unlock()
		})
	}
}

func (t *loadTracker) reservedCPU() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu
}

func (t *loadTracker) perMinute(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts = t.prune(now)
	return float64(len(t.starts))
}

// prune вызывается под mu.
func (t *loadTracker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(t.starts) && !t.starts[i].After(cutoff) {
		i++
	}
	return t.starts[i:]
}
