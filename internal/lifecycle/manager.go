package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/credentials"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/sandbox"
)

var (
	ErrAgentKilled   = errors.New("agent killed")
	ErrAgentNotFound = errors.New("agent not found")
)

// SkillResolver: свежее состояние записи на момент запуска (карантин мог случиться позже).
type SkillResolver interface {
	Resolve(ctx context.Context, id, version string) (domain.SkillRecord, error)
}

type Config struct {
	DefaultDeadline time.Duration
	Grace           time.Duration
	ScratchDir      string
	ArtifactDir     string
	RetainArtifacts bool
}

func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 60 * time.Second,
		Grace:           2 * time.Second,
		ScratchDir:      os.TempDir(),
		ArtifactDir:     "./artifacts",
		RetainArtifacts: true,
	}
}

// SpawnRequest: все, что нужно агенту на одно исполнение.
type SpawnRequest struct {
	Record    domain.SkillRecord
	Bundle    domain.Bundle
	Granted   domain.CapabilitySet
	Deadline  time.Duration
	Requester string
	Input     []byte
	Env       map[string]string

	// ApprovalRequired выставляет вызывающий по тиру и решению политик.
	ApprovalRequired bool
	Approval         *domain.ApprovalRequest

	// RetainArtifacts перекрывает настройку менеджера, если задан.
	RetainArtifacts *bool
}

// Manager создает одноразовых агентов и гарантирует их уничтожение.
type Manager struct {
	skills   SkillResolver
	runtime  sandbox.Runtime
	vault    credentials.Vault
	capacity Capacity
	sink     audit.Sink
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	observe  func(from, to domain.AgentState)

	mu     sync.RWMutex
	active map[string]*Agent
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option                  { return func(m *Manager) { m.now = now } }
func WithObserver(f func(from, to domain.AgentState)) Option { return func(m *Manager) { m.observe = f } }

func NewManager(skills SkillResolver, rt sandbox.Runtime, vault credentials.Vault, capacity Capacity, sink audit.Sink, logger *zap.Logger, cfg Config, opts ...Option) *Manager {
	if sink == nil {
		sink = audit.Discard{}
	}
	def := DefaultConfig()
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = def.DefaultDeadline
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = def.ScratchDir
	}
	m := &Manager{
		skills:   skills,
		runtime:  rt,
		vault:    vault,
		capacity: capacity,
		sink:     sink,
		logger:   logger.Named("lifecycle"),
		cfg:      cfg,
		now:      time.Now,
		active:   make(map[string]*Agent),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Spawn проверяет предусловия, занимает слот, готовит каталог исполнения
// и выдает токен только на выданные способности.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Agent, error) {
	manifest := req.Record.Manifest

	rec, err := m.skills.Resolve(ctx, manifest.ID, manifest.Version)
	if err != nil {
		return nil, err
	}
	if !rec.Executable() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotLive, rec.Key(), rec.State)
	}
	if !req.Granted.SubsetOf(rec.Manifest.Capabilities) {
		return nil, fmt.Errorf("%w: %v not declared by %s", domain.ErrGrantExceedsManifest, req.Granted.Missing(rec.Manifest.Capabilities), rec.Key())
	}
	if req.ApprovalRequired {
		if err := checkApproval(req.Approval, rec.Manifest, req.Granted); err != nil {
			return nil, err
		}
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = m.cfg.DefaultDeadline
	}
	if limit := rec.Manifest.Resources.MaxRuntime; limit > 0 && deadline > limit {
		deadline = limit
	}

	release, err := m.capacity.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	a := &Agent{
		m:       m,
		rec:     rec,
		bundle:  req.Bundle,
		input:   req.Input,
		env:     FilterEnv(req.Env),
		release: release,
		timeout: deadline,
		retain:  m.cfg.RetainArtifacts,
		info: domain.AgentInfo{
			ID:           uuid.NewString(),
			SkillID:      rec.Manifest.ID,
			SkillVersion: rec.Manifest.Version,
			Requester:    req.Requester,
			Granted:      req.Granted.Clone(),
			State:        domain.AgentSpawned,
			Deadline:     now.Add(deadline),
			SpawnedAt:    now,
		},
	}
	if req.RetainArtifacts != nil {
		a.retain = *req.RetainArtifacts
	}
	if req.Approval != nil {
		a.info.ApprovalID = req.Approval.ID
	}
	a.kill, a.killCancel = context.WithCancelCause(context.Background())
	a.guard = sandbox.AgentGuard(a.info.Granted, rec.Manifest.Capabilities)

	m.mu.Lock()
	m.active[a.info.ID] = a
	m.mu.Unlock()
	m.emit(ctx, a.Info(), "", "")

	if err := a.prepare(ctx); err != nil {
		a.fail(ctx, err)
		a.teardown(context.WithoutCancel(ctx))
		return nil, err
	}

	m.logger.Info("agent spawned",
		zap.String("agent_id", a.info.ID),
		zap.String("skill", rec.Key()),
		zap.Strings("granted", a.info.Granted.Strings()),
		zap.Duration("deadline", deadline))
	return a, nil
}

func checkApproval(a *domain.ApprovalRequest, m domain.SkillManifest, granted domain.CapabilitySet) error {
	switch {
	case a == nil:
		return fmt.Errorf("%w: %s", domain.ErrApprovalRequired, m.Key())
	case a.State != domain.ApprovalGranted || !a.SecretVerified:
		return fmt.Errorf("%w: approval %s is %s", domain.ErrApprovalRequired, a.ID, a.State)
	case a.SkillID != m.ID || a.SkillVersion != m.Version:
		return fmt.Errorf("%w: approval %s is for %s", domain.ErrApprovalRequired, a.ID, domain.SkillKey(a.SkillID, a.SkillVersion))
	case !granted.SubsetOf(a.Capabilities):
		return fmt.Errorf("%w: approval %s does not cover %v", domain.ErrApprovalRequired, a.ID, granted.Missing(a.Capabilities))
	}
	return nil
}

// Kill останавливает агента. Агент, который еще не начал исполнение, уничтожается сразу.
func (m *Manager) Kill(ctx context.Context, agentID, reason string) error {
	m.mu.RLock()
	a, ok := m.active[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	cause := fmt.Errorf("%w: %s", ErrAgentKilled, reason)
	a.killCancel(cause)
	m.logger.Warn("agent kill requested", zap.String("agent_id", agentID), zap.String("reason", reason))

	if a.preempt(cause) {
		a.fail(ctx, cause)
		a.teardown(context.WithoutCancel(ctx))
	}
	return nil
}

// Active: снимок живых агентов, по времени запуска.
func (m *Manager) Active() []domain.AgentInfo {
	m.mu.RLock()
	out := make([]domain.AgentInfo, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnedAt.Before(out[j].SpawnedAt) })
	return out
}

// Shutdown убивает всех живых агентов, например при остановке процесса.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, info := range m.Active() {
		_ = m.Kill(ctx, info.ID, "shutdown")
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) emit(ctx context.Context, info domain.AgentInfo, from domain.AgentState, reason string) {
	payload := map[string]interface{}{
		"skill_version": info.SkillVersion,
		"granted":       info.Granted.Strings(),
	}
	if info.ApprovalID != "" {
		payload["approval_id"] = info.ApprovalID
	}
	m.sink.Emit(ctx, audit.Event{
		Kind:      audit.KindAgentTransition,
		SubjectID: info.ID,
		SkillID:   info.SkillID,
		Requester: info.Requester,
		From:      string(from),
		To:        string(info.State),
		Reason:    reason,
		Payload:   payload,
		Timestamp: m.now(),
	})
	if m.observe != nil {
		m.observe(from, info.State)
	}
}

// artifactPath: каталог сохраненных артефактов агента.
func (m *Manager) artifactPath(agentID string) string {
	return filepath.Join(m.cfg.ArtifactDir, agentID)
}
