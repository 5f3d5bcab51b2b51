package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/skillgate/internal/approval"
	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/credentials"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/lifecycle"
	"github.com/xela07ax/skillgate/internal/manifest"
	"github.com/xela07ax/skillgate/internal/policy"
	"github.com/xela07ax/skillgate/internal/registry"
	"github.com/xela07ax/skillgate/internal/risk"
	"github.com/xela07ax/skillgate/internal/safety"
	"github.com/xela07ax/skillgate/internal/sandbox"
	"github.com/xela07ax/skillgate/internal/source"
)

const testPIN = "4711"

// среда 10:00 UTC: рабочие часы
var businessHours = time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

type harness struct {
	gw        *Gateway
	ob        *Onboarding
	inbox     *approval.Inbox
	approvals *approval.MemoryStore
	events    *audit.Recorder
	ledger    *MemoryLedger
	metrics   *Metrics
	prom      *prometheus.Registry
	skillsDir string
}

func newHarness(t *testing.T, rules ...domain.PolicyRule) *harness {
	t.Helper()
	logger := zap.NewNop()
	events := audit.NewRecorder()
	prom := prometheus.NewRegistry()
	metrics := NewMetrics(prom)

	rt := sandbox.NewWasmRuntime(0, logger)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	reg := registry.New(registry.NewMemoryStore(), events, logger)
	dir := t.TempDir()
	src := source.NewDirSource(dir, source.DefaultLimits())

	gate := safety.NewGate(reg, safety.NewStaticAnalyzer(safety.DefaultLimits()), rt, events, logger,
		safety.WithTrialTimeout(2*time.Second),
		safety.WithObserver(metrics.ObserveVerdict))

	if len(rules) == 0 {
		rules = policy.DefaultRules()
	}
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	rulesStore := policy.NewStore(engine, policy.StaticRules(rules), logger)
	require.NoError(t, rulesStore.Refresh(context.Background()))

	hash, err := approval.HashPIN(testPIN, bcrypt.MinCost)
	require.NoError(t, err)
	verifier, err := approval.NewPINVerifier(hash)
	require.NoError(t, err)
	store := approval.NewMemoryStore()
	inbox := approval.NewInbox(nil, store.Get, logger)
	approvals := approval.NewGate(store, inbox, verifier, events, logger, approval.Config{
		ConfirmTTL:        5 * time.Second,
		SecretTTL:         5 * time.Second,
		MaxSecretAttempts: 3,
	})

	vault, err := credentials.NewTokenVault([]byte("0123456789abcdef0123456789abcdef"), logger, credentials.WithAudit(events))
	require.NoError(t, err)
	pool := lifecycle.NewPool(4, 0, 0)
	agents := lifecycle.NewManager(reg, rt, vault, pool, events, logger, lifecycle.Config{
		DefaultDeadline: 2 * time.Second,
		Grace:           50 * time.Millisecond,
		ScratchDir:      t.TempDir(),
		ArtifactDir:     t.TempDir(),
	}, lifecycle.WithObserver(metrics.ObserveAgent))

	ledger := NewMemoryLedger()
	contexts := NewContextProvider(pool, ledger, 10, func() time.Time { return businessHours })

	return &harness{
		gw:        NewGateway(reg, src, rulesStore, risk.NewAnalyzer(logger), approvals, agents, contexts, events, metrics, logger),
		ob:        NewOnboarding(reg, src, gate, logger),
		inbox:     inbox,
		approvals: store,
		events:    events,
		ledger:    ledger,
		metrics:   metrics,
		prom:      prom,
		skillsDir: dir,
	}
}

// publish кладет бандл в источник и проводит манифест через регистрацию и Safety Gate.
func (h *harness) publish(t *testing.T, manifestYAML string, files map[string][]byte) (domain.SkillRecord, error) {
	t.Helper()
	m, err := manifest.Parse([]byte(manifestYAML))
	require.NoError(t, err)
	h.writeBundle(t, m.ID, m.Version, files)
	rec, _, err := h.ob.Submit(context.Background(), []byte(manifestYAML))
	return rec, err
}

func (h *harness) writeBundle(t *testing.T, id, version string, files map[string][]byte) {
	t.Helper()
	dir := filepath.Join(h.skillsDir, id, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
}

// awaitPrompt ждет, пока запрос подтверждения встанет на нужный шаг.
func (h *harness) awaitPrompt(t *testing.T, kind approval.PromptKind) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		for k, v := range h.inbox.Awaiting() {
			if v == kind {
				id = k
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return id
}

func (h *harness) agentEvents() []audit.Event {
	return h.events.OfKind(audit.KindAgentTransition)
}

type runOutcomeResult struct {
	res *RunResult
	err error
}

// runAsync: запуск с подтверждением блокируется до ответа человека.
func (h *harness) runAsync(req RunRequest) <-chan runOutcomeResult {
	out := make(chan runOutcomeResult, 1)
	go func() {
		res, err := h.gw.Run(context.Background(), req)
		out <- runOutcomeResult{res: res, err: err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan runOutcomeResult) runOutcomeResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return runOutcomeResult{}
	}
}
