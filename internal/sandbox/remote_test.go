package sandbox

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/sandbox/sandboxtest"
)

const testToken = "shared-token"

type captureRuntime struct {
	got Execution
	out Outcome
	err error
}

func (c *captureRuntime) Run(_ context.Context, ex Execution) (Outcome, error) {
	c.got = ex
	if c.err != nil {
		return c.out, c.err
	}
	for _, u := range c.out.Uses {
		_ = ex.Guard.Check(u.Capability)
	}
	return c.out, nil
}

func startRemote(t *testing.T, rt Runtime) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(testToken)))
	NewRemoteServer(rt, zap.NewNop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func breaker() BreakerSettings {
	return BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute}
}

func TestRemoteRoundTrip(t *testing.T) {
	backend := &captureRuntime{out: Outcome{
		Stdout:   []byte("done"),
		Uses:     []Use{{Capability: domain.CapReadData, Allowed: true}},
		Duration: 12 * time.Millisecond,
	}}
	conn := startRemote(t, backend)
	rt := NewRemoteRuntime(conn, testToken, breaker(), zap.NewNop())

	g := AgentGuard(domain.NewCapabilitySet(domain.CapReadData), domain.NewCapabilitySet(domain.CapReadData))
	out, err := rt.Run(context.Background(), Execution{
		AgentID:    "agent-7",
		SkillKey:   "csv@1.0.0",
		Entrypoint: "main.py",
		Bundle:     domain.Bundle{Files: []domain.BundleFile{{Path: "main.py", Data: []byte("print(1)\x00\xff")}}},
		Input:      []byte(`{"rows":3}`),
		Env:        map[string]string{"LANG": "C"},
		Guard:      g,
	})

	require.NoError(t, err)
	assert.Equal(t, "done", string(out.Stdout))
	assert.Equal(t, 12*time.Millisecond, out.Duration)
	assert.Equal(t, []Use{{Capability: domain.CapReadData, Allowed: true}}, g.Uses())

	assert.Equal(t, "agent-7", backend.got.AgentID)
	assert.Equal(t, []byte("print(1)\x00\xff"), backend.got.Bundle.Files[0].Data)
	assert.Equal(t, `{"rows":3}`, string(backend.got.Input))
	assert.Equal(t, "C", backend.got.Env["LANG"])
	assert.True(t, backend.got.Guard.Allowed.Contains(domain.CapReadData))
}

func TestRemoteMapsGuestErrors(t *testing.T) {
	cases := map[string]error{
		"timeout":    domain.ErrSandboxTimeout,
		"capability": domain.ErrCapabilityDeniedAtRuntime,
		"fault":      ErrGuestFault,
	}
	for name, sentinel := range cases {
		t.Run(name, func(t *testing.T) {
			conn := startRemote(t, &captureRuntime{err: sentinel})
			rt := NewRemoteRuntime(conn, testToken, breaker(), zap.NewNop())

			_, err := rt.Run(context.Background(), Execution{Entrypoint: "main.py"})
			assert.ErrorIs(t, err, sentinel)
		})
	}
}

func TestRemoteRejectsBadToken(t *testing.T) {
	conn := startRemote(t, &captureRuntime{})
	rt := NewRemoteRuntime(conn, "wrong", breaker(), zap.NewNop())

	_, err := rt.Run(context.Background(), Execution{Entrypoint: "main.py"})
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
}

func TestRemoteBreakerOpens(t *testing.T) {
	conn := startRemote(t, &captureRuntime{})
	rt := NewRemoteRuntime(conn, "", breaker(), zap.NewNop())

	var last error
	for i := 0; i < 8; i++ {
		_, last = rt.Run(context.Background(), Execution{Entrypoint: "main.py"})
	}
	require.Error(t, last)
	assert.True(t, errors.Is(last, ErrRuntimeUnavailable))
	assert.Contains(t, last.Error(), "circuit breaker is open")
}

// Удаленный хост поверх настоящего wazero.
func TestRemoteOverWasm(t *testing.T) {
	w := NewWasmRuntime(0, zap.NewNop())
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	conn := startRemote(t, w)
	rt := NewRemoteRuntime(conn, testToken, breaker(), zap.NewNop())

	g := AgentGuard(domain.NewCapabilitySet(domain.CapReadData), domain.NewCapabilitySet(domain.CapReadData))
	_, err := rt.Run(context.Background(), Execution{
		Entrypoint: entry,
		Bundle:     sandboxtest.Bundle(entry, sandboxtest.UsesCapabilities(domain.CapSendMessage)),
		Guard:      g,
	})

	assert.ErrorIs(t, err, domain.ErrCapabilityDeniedAtRuntime)
	assert.Equal(t, []Use{{Capability: domain.CapSendMessage, Allowed: false}}, g.Uses())
}

// mountRuntime читает файл навыка из каталога исполнения и пишет отчет в output/.
type mountRuntime struct{ seen []byte }

func (m *mountRuntime) Run(_ context.Context, ex Execution) (Outcome, error) {
	data, err := os.ReadFile(filepath.Join(ex.Mount, "skill", "rows.csv"))
	if err != nil {
		return Outcome{}, err
	}
	m.seen = data
	if err := os.WriteFile(filepath.Join(ex.Mount, "output", "report.csv"), []byte("total,3\n"), 0o600); err != nil {
		return Outcome{}, err
	}
	return Outcome{Stdout: []byte("ok")}, nil
}

func TestRemoteCarriesMount(t *testing.T) {
	backend := &mountRuntime{}
	conn := startRemote(t, backend)
	rt := NewRemoteRuntime(conn, testToken, breaker(), zap.NewNop())

	mount := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "skill"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "output"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "skill", "rows.csv"), []byte("a\nb\nc\n"), 0o600))

	g := AgentGuard(domain.NewCapabilitySet(domain.CapWriteFile), domain.NewCapabilitySet(domain.CapWriteFile))
	out, err := rt.Run(context.Background(), Execution{
		AgentID:  "agent-9",
		SkillKey: "csv@1.0.0",
		Mount:    mount,
		Guard:    g,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out.Stdout))
	assert.Equal(t, "a\nb\nc\n", string(backend.seen))

	report, err := os.ReadFile(filepath.Join(mount, "output", "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, "total,3\n", string(report))
}

func TestUnpackMountRejectsEscape(t *testing.T) {
	root := t.TempDir()
	err := unpackMount(root, mountTree{Files: []domain.BundleFile{{Path: "../evil", Data: []byte("x")}}})
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "evil"))
	assert.True(t, os.IsNotExist(statErr))
}
