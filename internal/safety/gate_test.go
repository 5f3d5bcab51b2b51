package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/registry"
	"github.com/xela07ax/skillgate/internal/sandbox"
	"github.com/xela07ax/skillgate/internal/sandbox/sandboxtest"
)

type fixture struct {
	reg    *registry.Registry
	gate   *Gate
	events *audit.Recorder
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	events := audit.NewRecorder()
	reg := registry.New(registry.NewMemoryStore(), events, zap.NewNop())
	wasm := sandbox.NewWasmRuntime(0, zap.NewNop())
	t.Cleanup(func() { _ = wasm.Close(context.Background()) })
	gate := NewGate(reg, NewStaticAnalyzer(DefaultLimits()), wasm, events, zap.NewNop(), opts...)
	return fixture{reg: reg, gate: gate, events: events}
}

func manifest(entry string, caps ...domain.Capability) domain.SkillManifest {
	return domain.SkillManifest{
		ID:           "csv-report",
		Name:         "CSV report",
		Version:      "1.0.0",
		Capabilities: domain.NewCapabilitySet(caps...),
		RiskTier:     domain.RiskLow,
		Profile:      domain.ProfileDataProcessing,
		Entrypoint:   entry,
	}
}

func (f fixture) register(t *testing.T, m domain.SkillManifest) domain.SkillRecord {
	t.Helper()
	rec, err := f.reg.Register(context.Background(), m)
	require.NoError(t, err)
	return rec
}

func TestCleanWasmSkillGoesLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := manifest("main.wasm", domain.CapReadData)
	rec := f.register(t, m)

	bundle := sandboxtest.Bundle("main.wasm", sandboxtest.UsesCapabilities(domain.CapReadData))
	v, err := f.gate.Evaluate(ctx, rec, bundle)

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictClear, v.Outcome)
	assert.Equal(t, domain.StageDynamic, v.Stage)
	digest, err := bundle.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, v.BundleDigest)

	got, err := f.reg.Resolve(ctx, m.ID, m.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.SkillLive, got.State)
	assert.Equal(t, digest, got.BundleDigest())
	assert.NoError(t, got.CheckBundle(bundle))

	verdicts := f.events.OfKind(audit.KindSafetyVerdict)
	require.Len(t, verdicts, 1)
	assert.Equal(t, "CLEAR", verdicts[0].Payload["outcome"])

	_, err = f.gate.Evaluate(ctx, got, domain.Bundle{})
	assert.ErrorIs(t, err, ErrAlreadyEvaluated)
}

// Статическая проверка находит запрещенную операцию: карантин, Resolve отказывает.
func TestStaticRejectQuarantinesSkill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := manifest("skill.py", domain.CapReadData)
	rec := f.register(t, m)
	bundle := domain.Bundle{Files: []domain.BundleFile{
		{Path: "skill.py", Data: []byte("def execute(ctx):\n    return eval(ctx['expr'])\n")},
	}}

	v, err := f.gate.Evaluate(ctx, rec, bundle)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSafetyGateRejected)
	var rej *domain.RejectError
	require.True(t, errors.As(err, &rej))
	assert.Contains(t, rej.Reason, RuleDynamicEval)

	assert.Equal(t, domain.VerdictUnsafe, v.Outcome)
	assert.Equal(t, domain.StageStatic, v.Stage)
	require.Len(t, v.Findings, 1)
	assert.Equal(t, domain.Finding{Rule: RuleDynamicEval, File: "skill.py", Line: 2, Message: "dynamic code evaluation"}, v.Findings[0])

	_, err = f.reg.Resolve(ctx, m.ID, m.Version)
	assert.ErrorIs(t, err, domain.ErrQuarantined)

	stored, err := f.reg.Get(ctx, m.ID, m.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.SkillQuarantine, stored.State)
	_, err = f.gate.Evaluate(ctx, stored, bundle)
	assert.ErrorIs(t, err, domain.ErrQuarantined)
}

func TestTrialRejects(t *testing.T) {
	cases := []struct {
		name string
		wasm []byte
		caps []domain.Capability
		rule string
	}{
		{"undeclared capability", sandboxtest.UsesCapabilities(domain.CapSendMessage), []domain.Capability{domain.CapReadData}, RuleTrialCapability},
		{"trap", sandboxtest.Trap(), nil, RuleTrialFault},
		{"timeout", sandboxtest.Loop(), nil, RuleTrialTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, WithTrialTimeout(200*time.Millisecond))
			m := manifest("main.wasm", tc.caps...)
			rec := f.register(t, m)

			v, err := f.gate.Evaluate(context.Background(), rec, sandboxtest.Bundle("main.wasm", tc.wasm))

			assert.ErrorIs(t, err, domain.ErrSafetyGateRejected)
			assert.Equal(t, domain.StageDynamic, v.Stage)
			assert.Equal(t, tc.rule, v.Findings[0].Rule)
			assert.True(t, f.reg.IsQuarantined(m.Key()))
		})
	}
}

// Заявленная способность в пробе отклоняется гостю, но навык проходит.
func TestTrialRefusesDeclaredCapability(t *testing.T) {
	f := newFixture(t)
	m := manifest("main.wasm", domain.CapExecutePayment)
	rec := f.register(t, m)

	v, err := f.gate.Evaluate(context.Background(), rec, sandboxtest.Bundle("main.wasm", sandboxtest.UsesCapabilities(domain.CapExecutePayment)))

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictClear, v.Outcome)
}

func TestObserverSeesVerdicts(t *testing.T) {
	var seen []domain.VerdictOutcome
	f := newFixture(t, WithObserver(func(v domain.Verdict) { seen = append(seen, v.Outcome) }))
	rec := f.register(t, manifest("main.wasm"))

	_, err := f.gate.Evaluate(context.Background(), rec, sandboxtest.Bundle("main.wasm", sandboxtest.Empty()))
	require.NoError(t, err)
	assert.Equal(t, []domain.VerdictOutcome{domain.VerdictClear}, seen)
}

func TestStaticAnalyzerRules(t *testing.T) {
	a := NewStaticAnalyzer(Limits{MaxFiles: 3, MaxBytes: 1 << 10})
	ctx := context.Background()

	cases := []struct {
		name  string
		m     domain.SkillManifest
		files []domain.BundleFile
		rules []string
	}{
		{
			name:  "clean python",
			m:     manifest("skill.py"),
			files: []domain.BundleFile{{Path: "skill.py", Data: []byte("def execute(ctx):\n    return {'ok': True}\n")}},
		},
		{
			name:  "subprocess",
			m:     manifest("skill.py"),
			files: []domain.BundleFile{{Path: "skill.py", Data: []byte("import subprocess\n")}},
			rules: []string{RuleProcessExec},
		},
		{
			name:  "reserved env",
			m:     manifest("skill.py"),
			files: []domain.BundleFile{{Path: "skill.py", Data: []byte("import json\ntoken = env.get('OPENAI_API_KEY')\n")}},
			rules: []string{RuleReservedEnv},
		},
		{
			name:  "keyring",
			m:     manifest("skill.py"),
			files: []domain.BundleFile{{Path: "skill.py", Data: []byte("import keyring\n")}},
			rules: []string{RuleDesktopAccess},
		},
		{
			name:  "network without capability",
			m:     manifest("skill.py"),
			files: []domain.BundleFile{{Path: "skill.py", Data: []byte("import requests\n")}},
			rules: []string{RuleUndeclaredCap},
		},
		{
			name:  "network with capability",
			m:     manifest("skill.py", domain.CapNetworkCall),
			files: []domain.BundleFile{{Path: "skill.py", Data: []byte("import requests\n")}},
		},
		{
			name:  "file write without capability",
			m:     manifest("index.js"),
			files: []domain.BundleFile{{Path: "index.js", Data: []byte("fs.writeFileSync('/tmp/x', data)\n")}},
			rules: []string{RuleUndeclaredCap},
		},
		{
			name: "structure",
			m:    manifest("main.wasm"),
			files: []domain.BundleFile{
				{Path: "/etc/passwd", Data: []byte("x")},
				{Path: "lib/../../escape", Data: []byte("x")},
				{Path: "a\x00b", Data: []byte("x")},
				{Path: "big.txt", Data: []byte(strings.Repeat("x", 2<<10))},
			},
			rules: []string{RuleMaxFiles, RuleMaxBytes, RuleMissingEntry, RuleAbsolutePath, RulePathTraversal, RuleNulInName},
		},
		{
			name:  "wasm foreign import",
			m:     manifest("main.wasm"),
			files: []domain.BundleFile{{Path: "main.wasm", Data: sandboxtest.Imports("env", "system")}},
			rules: []string{RuleWasmImport},
		},
		{
			name:  "wasm socket without network-call",
			m:     manifest("main.wasm"),
			files: []domain.BundleFile{{Path: "main.wasm", Data: sandboxtest.Imports(sandbox.WASIModule, "sock_accept")}},
			rules: []string{RuleUndeclaredCap},
		},
		{
			name:  "wasm socket with network-call",
			m:     manifest("main.wasm", domain.CapNetworkCall),
			files: []domain.BundleFile{{Path: "main.wasm", Data: sandboxtest.Imports(sandbox.WASIModule, "sock_accept")}},
		},
		{
			name:  "wasm garbage",
			m:     manifest("main.wasm"),
			files: []domain.BundleFile{{Path: "main.wasm", Data: []byte("\x00asm\xff\xff")}},
			rules: []string{RuleWasmInvalid},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := a.Inspect(ctx, tc.m, domain.Bundle{Files: tc.files})
			got := make([]string, 0, len(rep.Findings))
			for _, f := range rep.Findings {
				got = append(got, f.Rule)
			}
			if len(tc.rules) == 0 {
				assert.True(t, rep.Clear(), "unexpected findings: %v", rep.Findings)
				return
			}
			assert.ElementsMatch(t, tc.rules, got)
			assert.NotEmpty(t, rep.Reason())
		})
	}
}
