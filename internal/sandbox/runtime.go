package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/skillgate/internal/domain"
)

var (
	// ErrRefused: способность отклонена гостю, исполнение продолжается.
	ErrRefused = errors.New("capability refused")

	// ErrGuestFault: trap, паника или ненулевой код выхода гостя.
	ErrGuestFault = errors.New("guest fault")

	ErrEntrypointMissing     = errors.New("entrypoint not found in bundle")
	ErrUnsupportedEntrypoint = errors.New("no runtime for entrypoint")
	ErrRuntimeUnavailable    = errors.New("sandbox runtime unavailable")
)

// Коды ответа host-функции use_capability.
const (
	StatusGranted uint32 = 0
	StatusRefused uint32 = 1
)

// Runtime исполняет entrypoint навыка в изоляции.
type Runtime interface {
	Run(ctx context.Context, ex Execution) (Outcome, error)
}

// Execution: одно исполнение. Env уже отфильтрован вызывающим.
type Execution struct {
	AgentID    string
	SkillKey   string
	Entrypoint string
	Bundle     domain.Bundle
	Input      []byte
	Env        map[string]string

	// Mount: каталог исполнения, виден гостю как /work при read-file/write-file.
	Mount string
	Guard *Guard
}

// Use: одно обращение гостя к способности.
type Use struct {
	Capability domain.Capability `json:"capability"`
	Allowed    bool              `json:"allowed"`
}

type Outcome struct {
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	ExitCode uint32        `json:"exit_code"`
	Uses     []Use         `json:"uses,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Guard решает по каждому обращению гостя: Allowed разрешены, Refused отклоняются
// без остановки, все прочее останавливает исполнение с CapabilityDeniedAtRuntime.
type Guard struct {
	Allowed domain.CapabilitySet
	Refused domain.CapabilitySet

	// OnUse вызывается синхронно на каждое обращение (аудит, метрики).
	OnUse func(Use)

	mu   sync.Mutex
	uses []Use
}

// AgentGuard: агенту доступно только granted ∩ declared.
func AgentGuard(granted, declared domain.CapabilitySet) *Guard {
	return &Guard{Allowed: granted.Intersect(declared)}
}

// TrialGuard: в пробном запуске ничего не выдано. Заявленные способности
// отклоняются мягко, незаявленные валят пробу.
func TrialGuard(declared domain.CapabilitySet) *Guard {
	return &Guard{Refused: declared.Clone()}
}

func (g *Guard) Check(c domain.Capability) error {
	var err error
	switch {
	case g.Allowed.Contains(c):
	case g.Refused.Contains(c):
		err = fmt.Errorf("%w: %s", ErrRefused, c)
	default:
		err = fmt.Errorf("%w: %s", domain.ErrCapabilityDeniedAtRuntime, c)
	}
	g.record(Use{Capability: c, Allowed: err == nil})
	return err
}

// Allows: можно ли смонтировать ресурс, доступ к которому дает способность.
func (g *Guard) Allows(c domain.Capability) bool {
	return g != nil && g.Allowed.Contains(c)
}

func (g *Guard) record(u Use) {
	g.mu.Lock()
	g.uses = append(g.uses, u)
	g.mu.Unlock()
	if g.OnUse != nil {
		g.OnUse(u)
	}
}

// Uses возвращает журнал обращений в порядке возникновения.
func (g *Guard) Uses() []Use {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Use(nil), g.uses...)
}
