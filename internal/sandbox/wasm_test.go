package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/sandbox/sandboxtest"
)

const entry = "main.wasm"

func newWasm(t *testing.T) *WasmRuntime {
	t.Helper()
	w := NewWasmRuntime(0, zap.NewNop())
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func run(t *testing.T, w *WasmRuntime, wasm []byte, g *Guard, timeout time.Duration) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.Run(ctx, Execution{
		AgentID:    "agent-1",
		SkillKey:   "csv@1.0.0",
		Entrypoint: entry,
		Bundle:     sandboxtest.Bundle(entry, wasm),
		Guard:      g,
	})
}

func TestWasmRunsEmptyModule(t *testing.T) {
	out, err := run(t, newWasm(t), sandboxtest.Empty(), nil, 2*time.Second)
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)
	assert.Empty(t, out.Uses)
}

func TestWasmGrantedCapability(t *testing.T) {
	g := AgentGuard(
		domain.NewCapabilitySet(domain.CapReadData),
		domain.NewCapabilitySet(domain.CapReadData, domain.CapWriteData),
	)
	var seen []Use
	g.OnUse = func(u Use) { seen = append(seen, u) }

	out, err := run(t, newWasm(t), sandboxtest.UsesCapabilities(domain.CapReadData), g, 2*time.Second)

	require.NoError(t, err)
	assert.Equal(t, []Use{{Capability: domain.CapReadData, Allowed: true}}, out.Uses)
	assert.Equal(t, out.Uses, seen)
}

// Гость просит то, что не выдано: исполнение обрывается.
func TestWasmUngrantedCapabilityKills(t *testing.T) {
	g := AgentGuard(
		domain.NewCapabilitySet(domain.CapReadData),
		domain.NewCapabilitySet(domain.CapReadData, domain.CapExecutePayment),
	)

	out, err := run(t, newWasm(t), sandboxtest.UsesCapabilities(domain.CapExecutePayment, domain.CapReadData), g, 2*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapabilityDeniedAtRuntime)
	assert.Equal(t, exitGuardAbort, out.ExitCode)
	// До второго вызова дело не дошло.
	assert.Equal(t, []Use{{Capability: domain.CapExecutePayment, Allowed: false}}, out.Uses)
}

func TestWasmTrialRefusesDeclaredWithoutFailing(t *testing.T) {
	g := TrialGuard(domain.NewCapabilitySet(domain.CapNetworkCall))

	out, err := run(t, newWasm(t), sandboxtest.UsesCapabilities(domain.CapNetworkCall), g, 2*time.Second)

	require.NoError(t, err)
	assert.Equal(t, []Use{{Capability: domain.CapNetworkCall, Allowed: false}}, out.Uses)
}

func TestWasmTrialUndeclaredFails(t *testing.T) {
	g := TrialGuard(domain.NewCapabilitySet(domain.CapNetworkCall))

	_, err := run(t, newWasm(t), sandboxtest.UsesCapabilities(domain.CapSendMessage), g, 2*time.Second)

	assert.ErrorIs(t, err, domain.ErrCapabilityDeniedAtRuntime)
}

func TestWasmLoopHitsDeadline(t *testing.T) {
	started := time.Now()
	_, err := run(t, newWasm(t), sandboxtest.Loop(), nil, 200*time.Millisecond)

	assert.ErrorIs(t, err, domain.ErrSandboxTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestWasmTrapIsGuestFault(t *testing.T) {
	_, err := run(t, newWasm(t), sandboxtest.Trap(), nil, 2*time.Second)
	assert.ErrorIs(t, err, ErrGuestFault)

	_, err = run(t, newWasm(t), []byte("#!/bin/sh\necho hi"), nil, 2*time.Second)
	assert.ErrorIs(t, err, ErrGuestFault)
}

func TestWasmMissingEntrypoint(t *testing.T) {
	_, err := newWasm(t).Run(context.Background(), Execution{Entrypoint: "other.wasm", Bundle: sandboxtest.Bundle(entry, sandboxtest.Empty())})
	assert.ErrorIs(t, err, ErrEntrypointMissing)
}

func TestImports(t *testing.T) {
	imports, err := Imports(context.Background(), sandboxtest.UsesCapabilities(domain.CapReadFile))
	require.NoError(t, err)
	assert.Equal(t, []Import{{Module: HostModule, Name: HostUseCapability}}, imports)

	imports, err = Imports(context.Background(), sandboxtest.Imports(WASIModule, "sock_accept"))
	require.NoError(t, err)
	assert.Equal(t, "wasi_snapshot_preview1.sock_accept", imports[0].String())
}

func TestRouter(t *testing.T) {
	r := NewRouter(newWasm(t), nil)

	_, err := r.Run(context.Background(), Execution{Entrypoint: entry, Bundle: sandboxtest.Bundle(entry, sandboxtest.Empty())})
	assert.NoError(t, err)

	_, err = r.Run(context.Background(), Execution{Entrypoint: "main.py"})
	assert.ErrorIs(t, err, ErrUnsupportedEntrypoint)
}
