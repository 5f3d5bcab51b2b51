package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Удаленный исполнитель говорит обычным gRPC; сообщения это google.protobuf.Struct,
// отдельный .proto не нужен.
const (
	remoteService   = "skillgate.sandbox.v1.Sandbox"
	remoteRunMethod = "/" + remoteService + "/Run"

	// TokenHeader: общий секрет между шлюзом и удаленным исполнителем.
	TokenHeader = "x-skillgate-token"
)

// Вид ошибки исполнения внутри успешного RPC.
const (
	kindTimeout    = "timeout"
	kindCapability = "capability"
	kindFault      = "fault"
	kindEntrypoint = "entrypoint"
	kindCancelled  = "cancelled"
	kindOther      = "other"
)

type sandboxServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var remoteDesc = grpc.ServiceDesc{
	ServiceName: remoteService,
	HandlerType: (*sandboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "skillgate/sandbox/v1/sandbox.proto",
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: remoteRunMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(sandboxServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RemoteRuntime отправляет исполнение на выделенный хост песочниц.
// Транспортные сбои считает предохранитель, ошибки гостя приходят в теле ответа.
type RemoteRuntime struct {
	conn   grpc.ClientConnInterface
	cb     *gobreaker.CircuitBreaker
	token  string
	logger *zap.Logger
}

type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration

	OnStateChange func(name string, from, to gobreaker.State)
}

func NewRemoteRuntime(conn grpc.ClientConnInterface, token string, bs BreakerSettings, logger *zap.Logger) *RemoteRuntime {
	logger = logger.Named("remote_runtime")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sandbox-remote",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд, открываемся
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if bs.OnStateChange != nil {
				bs.OnStateChange(name, from, to)
			}
		},
	})
	return &RemoteRuntime{conn: conn, cb: cb, token: token, logger: logger}
}

func (r *RemoteRuntime) Run(ctx context.Context, ex Execution) (Outcome, error) {
	req, err := encodeExecution(ex)
	if err != nil {
		return Outcome{}, err
	}
	if r.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, TokenHeader, r.token)
	}

	res, err := r.cb.Execute(func() (interface{}, error) {
		out := new(structpb.Struct)
		if err := r.conn.Invoke(ctx, remoteRunMethod, req, out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Outcome{}, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Outcome{}, fmt.Errorf("%w: %s", domain.ErrSandboxTimeout, ex.SkillKey)
			}
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	out, files, runErr := decodeOutcome(res.(*structpb.Struct))
	if ex.Mount != "" && len(files) > 0 {
		// записанное гостем на удаленном хосте возвращается в локальный каталог
		if err := unpackMount(ex.Mount, mountTree{Files: files}); err != nil {
			return out, err
		}
	}
	if ex.Guard != nil {
		for _, u := range out.Uses {
			ex.Guard.record(u)
		}
	}
	return out, runErr
}

// RemoteServer: серверная сторона, исполняет запросы на локальном Runtime.
type RemoteServer struct {
	rt     Runtime
	logger *zap.Logger
}

func NewRemoteServer(rt Runtime, logger *zap.Logger) *RemoteServer {
	return &RemoteServer{rt: rt, logger: logger.Named("remote_server")}
}

// Register подключает сервис к grpc.Server.
func (s *RemoteServer) Register(g *grpc.Server) {
	g.RegisterService(&remoteDesc, s)
}

func (s *RemoteServer) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ex, tree, err := decodeExecution(req)
	if err != nil {
		return nil, err
	}
	if tree != nil {
		dir, err := os.MkdirTemp("", "skillgate-remote-")
		if err != nil {
			return nil, fmt.Errorf("remote scratch: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Error("remote scratch cleanup failed", zap.String("agent_id", ex.AgentID), zap.Error(err))
			}
		}()
		if err := unpackMount(dir, *tree); err != nil {
			return nil, err
		}
		ex.Mount = dir
	}

	out, runErr := s.rt.Run(ctx, ex)
	if runErr != nil {
		s.logger.Info("remote execution failed",
			zap.String("agent_id", ex.AgentID),
			zap.String("skill", ex.SkillKey),
			zap.Error(runErr))
	}
	var files []domain.BundleFile
	if tree != nil {
		if files, err = written(ex.Mount, *tree); err != nil {
			return nil, err
		}
	}
	return encodeOutcome(out, files, runErr)
}

func encodeFiles(in []domain.BundleFile) []interface{} {
	files := make([]interface{}, 0, len(in))
	for _, f := range in {
		files = append(files, map[string]interface{}{
			"path": f.Path,
			"data": base64.StdEncoding.EncodeToString(f.Data),
		})
	}
	return files
}

func decodeFiles(v interface{}) ([]domain.BundleFile, error) {
	list, _ := v.([]interface{})
	var out []domain.BundleFile
	for _, raw := range list {
		f, _ := raw.(map[string]interface{})
		data, err := base64.StdEncoding.DecodeString(str(f["data"]))
		if err != nil {
			return nil, fmt.Errorf("decode file %s: %w", str(f["path"]), err)
		}
		out = append(out, domain.BundleFile{Path: str(f["path"]), Data: data})
	}
	return out, nil
}

func encodeExecution(ex Execution) (*structpb.Struct, error) {
	env := make(map[string]interface{}, len(ex.Env))
	for k, v := range ex.Env {
		env[k] = v
	}
	var allowed, refused []string
	if ex.Guard != nil {
		allowed = ex.Guard.Allowed.Strings()
		refused = ex.Guard.Refused.Strings()
	}
	m := map[string]interface{}{
		"agent_id":   ex.AgentID,
		"skill":      ex.SkillKey,
		"entrypoint": ex.Entrypoint,
		"input":      base64.StdEncoding.EncodeToString(ex.Input),
		"env":        env,
		"files":      encodeFiles(ex.Bundle.Files),
		"allowed":    toList(allowed),
		"refused":    toList(refused),
	}
	if ex.Mount != "" {
		tree, err := packMount(ex.Mount)
		if err != nil {
			return nil, err
		}
		m["mount"] = map[string]interface{}{
			"dirs":  toList(tree.Dirs),
			"files": encodeFiles(tree.Files),
		}
	}
	return structpb.NewStruct(m)
}

// decodeExecution: tree != nil, если клиент передал каталог исполнения.
func decodeExecution(s *structpb.Struct) (Execution, *mountTree, error) {
	m := s.AsMap()
	ex := Execution{
		AgentID:    str(m["agent_id"]),
		SkillKey:   str(m["skill"]),
		Entrypoint: str(m["entrypoint"]),
		Env:        map[string]string{},
	}
	var err error
	if ex.Input, err = base64.StdEncoding.DecodeString(str(m["input"])); err != nil {
		return Execution{}, nil, fmt.Errorf("decode input: %w", err)
	}
	if env, ok := m["env"].(map[string]interface{}); ok {
		for k, v := range env {
			ex.Env[k] = str(v)
		}
	}
	if ex.Bundle.Files, err = decodeFiles(m["files"]); err != nil {
		return Execution{}, nil, err
	}
	var tree *mountTree
	if mount, ok := m["mount"].(map[string]interface{}); ok {
		tree = &mountTree{Dirs: strs(mount["dirs"])}
		if tree.Files, err = decodeFiles(mount["files"]); err != nil {
			return Execution{}, nil, err
		}
	}
	allowed, err := domain.ParseCapabilitySet(strs(m["allowed"]))
	if err != nil {
		return Execution{}, nil, err
	}
	refused, err := domain.ParseCapabilitySet(strs(m["refused"]))
	if err != nil {
		return Execution{}, nil, err
	}
	ex.Guard = &Guard{Allowed: allowed, Refused: refused}
	return ex, tree, nil
}

func encodeOutcome(out Outcome, files []domain.BundleFile, runErr error) (*structpb.Struct, error) {
	uses := make([]interface{}, 0, len(out.Uses))
	for _, u := range out.Uses {
		uses = append(uses, map[string]interface{}{"capability": string(u.Capability), "allowed": u.Allowed})
	}
	m := map[string]interface{}{
		"stdout":      base64.StdEncoding.EncodeToString(out.Stdout),
		"stderr":      base64.StdEncoding.EncodeToString(out.Stderr),
		"exit_code":   float64(out.ExitCode),
		"duration_ms": float64(out.Duration.Milliseconds()),
		"uses":        uses,
		"written":     encodeFiles(files),
	}
	if runErr != nil {
		m["error_kind"] = errorKind(runErr)
		m["error"] = runErr.Error()
	}
	return structpb.NewStruct(m)
}

func decodeOutcome(s *structpb.Struct) (Outcome, []domain.BundleFile, error) {
	m := s.AsMap()
	out := Outcome{}
	out.Stdout, _ = base64.StdEncoding.DecodeString(str(m["stdout"]))
	out.Stderr, _ = base64.StdEncoding.DecodeString(str(m["stderr"]))
	if v, ok := m["exit_code"].(float64); ok {
		out.ExitCode = uint32(v)
	}
	if v, ok := m["duration_ms"].(float64); ok {
		out.Duration = time.Duration(v) * time.Millisecond
	}
	if uses, ok := m["uses"].([]interface{}); ok {
		for _, raw := range uses {
			u, _ := raw.(map[string]interface{})
			allowed, _ := u["allowed"].(bool)
			out.Uses = append(out.Uses, Use{Capability: domain.Capability(str(u["capability"])), Allowed: allowed})
		}
	}

	files, err := decodeFiles(m["written"])
	if err != nil {
		return out, nil, err
	}

	msg := str(m["error"])
	switch str(m["error_kind"]) {
	case "":
		return out, files, nil
	case kindTimeout:
		return out, files, fmt.Errorf("%w: remote: %s", domain.ErrSandboxTimeout, msg)
	case kindCapability:
		return out, files, fmt.Errorf("%w: remote: %s", domain.ErrCapabilityDeniedAtRuntime, msg)
	case kindFault:
		return out, files, fmt.Errorf("%w: remote: %s", ErrGuestFault, msg)
	case kindEntrypoint:
		return out, files, fmt.Errorf("%w: remote: %s", ErrEntrypointMissing, msg)
	case kindCancelled:
		return out, files, fmt.Errorf("%w: remote: %s", context.Canceled, msg)
	}
	return out, files, fmt.Errorf("remote: %s", msg)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrSandboxTimeout), errors.Is(err, context.DeadlineExceeded):
		return kindTimeout
	case errors.Is(err, domain.ErrCapabilityDeniedAtRuntime):
		return kindCapability
	case errors.Is(err, ErrGuestFault):
		return kindFault
	case errors.Is(err, ErrEntrypointMissing):
		return kindEntrypoint
	case errors.Is(err, context.Canceled):
		return kindCancelled
	}
	return kindOther
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func strs(v interface{}) []string {
	list, _ := v.([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, str(item))
	}
	return out
}

func toList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
