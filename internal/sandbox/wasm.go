package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Host-модуль, через который гость запрашивает способности.
const (
	HostModule        = "skillgate"
	HostUseCapability = "use_capability"
	WASIModule        = wasi_snapshot_preview1.ModuleName
)

// OutputMaxBytes: потолок для stdout и stderr гостя, лишнее отбрасывается.
const OutputMaxBytes = 1 << 20

// exitGuardAbort: код, которым host-функция обрывает гостя при нарушении.
const exitGuardAbort uint32 = 126

// DefaultMemoryPages: 64 KiB * 256 = 16 MiB.
const DefaultMemoryPages uint32 = 256

// WasmRuntime исполняет .wasm entrypoint через wazero. На каждый запуск свой
// runtime (host-функция замыкается на Guard исполнения), компиляция кэшируется.
type WasmRuntime struct {
	pages  uint32
	cache  wazero.CompilationCache
	logger *zap.Logger
}

func NewWasmRuntime(memoryPages uint32, logger *zap.Logger) *WasmRuntime {
	if memoryPages == 0 {
		memoryPages = DefaultMemoryPages
	}
	return &WasmRuntime{
		pages:  memoryPages,
		cache:  wazero.NewCompilationCache(),
		logger: logger.Named("wasm"),
	}
}

func (w *WasmRuntime) Close(ctx context.Context) error {
	return w.cache.Close(ctx)
}

// Run: гость получает stdin=Input, env и (если разрешено) /work. Отмена ctx
// закрывает модуль, бесконечный цикл гостя не переживает дедлайн.
func (w *WasmRuntime) Run(ctx context.Context, ex Execution) (Outcome, error) {
	started := time.Now()
	file, ok := ex.Bundle.File(ex.Entrypoint)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrEntrypointMissing, ex.Entrypoint)
	}
	guard := ex.Guard
	if guard == nil {
		guard = &Guard{}
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(w.pages).
		WithCompilationCache(w.cache)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return Outcome{}, fmt.Errorf("instantiate wasi: %w", err)
	}

	var violation error
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, code uint32) uint32 {
			c, known := domain.CapabilityFromCode(code)
			if !known {
				violation = fmt.Errorf("%w: unknown capability code %d", domain.ErrCapabilityDeniedAtRuntime, code)
				abort(ctx, m)
				return StatusRefused
			}
			err := guard.Check(c)
			switch {
			case err == nil:
				return StatusGranted
			case errors.Is(err, ErrRefused):
				return StatusRefused
			}
			violation = err
			abort(ctx, m)
			return StatusRefused
		}).
		Export(HostUseCapability).
		Instantiate(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, file.Data)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: compile %s: %v", ErrGuestFault, ex.Entrypoint, err)
	}

	stdout := &capped{max: OutputMaxBytes}
	stderr := &capped{max: OutputMaxBytes}
	modCfg := wazero.NewModuleConfig().
		WithName(strings.TrimSuffix(path.Base(ex.Entrypoint), ".wasm")).
		WithArgs(ex.Entrypoint).
		WithStdin(bytes.NewReader(ex.Input)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_start")
	for k, v := range ex.Env {
		modCfg = modCfg.WithEnv(k, v)
	}
	if ex.Mount != "" {
		switch {
		case guard.Allows(domain.CapWriteFile):
			modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(ex.Mount, "/work"))
		case guard.Allows(domain.CapReadFile):
			modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(ex.Mount, "/work"))
		}
	}

	mod, runErr := rt.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
	}

	out := Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Uses:     guard.Uses(),
		Duration: time.Since(started),
	}
	if violation != nil {
		out.ExitCode = exitGuardAbort
		return out, violation
	}
	if runErr == nil {
		return out, nil
	}

	var exitErr *sys.ExitError
	if errors.As(runErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		switch out.ExitCode {
		case 0:
			return out, nil
		case sys.ExitCodeDeadlineExceeded:
			return out, fmt.Errorf("%w: %s", domain.ErrSandboxTimeout, ex.SkillKey)
		case sys.ExitCodeContextCanceled:
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%w: exit code %d", ErrGuestFault, out.ExitCode)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%w: %s", domain.ErrSandboxTimeout, ex.SkillKey)
	}
	w.logger.Debug("guest trapped", zap.String("skill", ex.SkillKey), zap.Error(runErr))
	return out, fmt.Errorf("%w: %v", ErrGuestFault, runErr)
}

// abort обрывает гостя так же, как proc_exit.
func abort(ctx context.Context, m api.Module) {
	_ = m.CloseWithExitCode(ctx, exitGuardAbort)
	panic(sys.NewExitError(exitGuardAbort))
}

// Import: одна импортируемая функция модуля.
type Import struct {
	Module string
	Name   string
}

func (i Import) String() string { return i.Module + "." + i.Name }

// Imports компилирует модуль без запуска и возвращает импорты функций.
func Imports(ctx context.Context, wasm []byte) ([]Import, error) {
	rt := wazero.NewRuntime(ctx)
	defer func() { _ = rt.Close(ctx) }()

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, err
	}
	defs := compiled.ImportedFunctions()
	out := make([]Import, 0, len(defs))
	for _, d := range defs {
		module, name, _ := d.Import()
		out = append(out, Import{Module: module, Name: name})
	}
	return out, nil
}

// capped пишет до max байт и молча отбрасывает остальное.
type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) Bytes() []byte { return c.buf.Bytes() }
