package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/credentials"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/sandbox"
)

// Подкаталоги исполнения агента. Гость видит их как /work/skill и /work/output.
const (
	SkillDir  = "skill"
	OutputDir = "output"
)

// Result: итог единственного исполнения.
type Result struct {
	AgentID  string        `json:"agent_id"`
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	ExitCode uint32        `json:"exit_code"`
	Uses     []sandbox.Use `json:"capability_uses,omitempty"`
	Duration time.Duration `json:"duration"`

	// Artifacts: куда сохранен output/. Пусто, если сохранять нечего или не положено.
	Artifacts string `json:"artifacts,omitempty"`
}

// Agent: одноразовый исполнитель. Execute вызывается ровно один раз,
// teardown выполняется ровно один раз на любом пути.
type Agent struct {
	m       *Manager
	rec     domain.SkillRecord
	bundle  domain.Bundle
	input   []byte
	env     map[string]string
	guard   *sandbox.Guard
	release func()
	timeout time.Duration
	retain  bool

	scratch   string
	cred      *credentials.Credential
	artifacts string

	kill       context.Context
	killCancel context.CancelCauseFunc

	started atomic.Bool
	once    sync.Once

	mu        sync.Mutex
	info      domain.AgentInfo
	preempted error
}

func (a *Agent) ID() string { return a.info.ID }

func (a *Agent) Info() domain.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := a.info
	info.Granted = a.info.Granted.Clone()
	return info
}

func (a *Agent) State() domain.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info.State
}

func (a *Agent) claim() bool { return a.started.CompareAndSwap(false, true) }

// preempt забирает агента до исполнения. false, если Execute уже начался.
func (a *Agent) preempt(cause error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.claim() {
		return false
	}
	a.preempted = cause
	return true
}

// prepare создает skill/ и output/, раскладывает бандл и выдает токен агента.
func (a *Agent) prepare(ctx context.Context) error {
	dir, err := os.MkdirTemp(a.m.cfg.ScratchDir, "agent-"+a.info.ID+"-")
	if err != nil {
		return fmt.Errorf("scratch dir: %w", err)
	}
	a.scratch = dir

	skillDir := filepath.Join(dir, SkillDir)
	for _, d := range []string{skillDir, filepath.Join(dir, OutputDir)} {
		if err := os.Mkdir(d, 0o700); err != nil {
			return fmt.Errorf("scratch dir: %w", err)
		}
	}
	for _, f := range a.bundle.Files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return fmt.Errorf("%w: bundle path %q escapes scratch", domain.ErrSafetyGateRejected, f.Path)
		}
		dst := filepath.Join(skillDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return fmt.Errorf("stage bundle: %w", err)
		}
		if err := os.WriteFile(dst, f.Data, 0o600); err != nil {
			return fmt.Errorf("stage bundle: %w", err)
		}
	}

	if len(a.info.Granted) == 0 || a.m.vault == nil {
		return nil
	}
	cred, err := a.m.vault.IssueScoped(ctx, a.info.ID, a.info.Granted, a.timeout)
	if err != nil {
		return fmt.Errorf("issue credential: %w", err)
	}
	a.cred = &cred
	a.env[CredentialEnv] = cred.Token
	return nil
}

type runResult struct {
	out sandbox.Outcome
	err error
}

// Execute запускает навык под дедлайном. Дедлайн навязывается снаружи: если
// исполнитель не остановился за Grace после отмены, результат не ждем.
func (a *Agent) Execute(ctx context.Context) (res Result, err error) {
	if !a.claim() {
		a.mu.Lock()
		pre := a.preempted
		a.mu.Unlock()
		if pre != nil {
			return Result{AgentID: a.ID()}, pre
		}
		return Result{AgentID: a.ID()}, fmt.Errorf("%w: %s", domain.ErrAgentReused, a.ID())
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent %s: execution panicked: %v", a.ID(), p)
			a.fail(ctx, err)
		}
		a.teardown(context.WithoutCancel(ctx))
		res.Artifacts = a.artifacts
	}()

	if err := a.transition(ctx, domain.AgentRunning, ""); err != nil {
		return Result{AgentID: a.ID()}, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(a.kill, func() { cancel(context.Cause(a.kill)) })
	defer stop()
	runCtx, cancelDeadline := context.WithTimeout(runCtx, a.timeout)
	defer cancelDeadline()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runResult{err: fmt.Errorf("%w: runtime panic: %v", sandbox.ErrGuestFault, p)}
			}
		}()
		out, err := a.m.runtime.Run(runCtx, sandbox.Execution{
			AgentID:    a.ID(),
			SkillKey:   a.rec.Key(),
			Entrypoint: a.rec.Manifest.Entrypoint,
			Bundle:     a.bundle,
			Input:      a.input,
			Env:        a.env,
			Mount:      a.scratch,
			Guard:      a.guard,
		})
		done <- runResult{out: out, err: err}
	}()

	var r runResult
	select {
	case r = <-done:
	case <-runCtx.Done():
		grace := time.NewTimer(a.m.cfg.Grace)
		defer grace.Stop()
		select {
		case r = <-done:
		case <-grace.C:
			a.m.logger.Error("runtime ignored cancellation, abandoning execution",
				zap.String("agent_id", a.ID()), zap.Duration("grace", a.m.cfg.Grace))
			r = runResult{err: context.Cause(runCtx)}
		}
	}
	return a.finish(ctx, runCtx, r)
}

// finish классифицирует исход. Нарушение способности важнее таймаута:
// гость, убитый за нарушение, мог не успеть до дедлайна.
func (a *Agent) finish(ctx, runCtx context.Context, r runResult) (Result, error) {
	res := Result{
		AgentID:  a.ID(),
		Stdout:   r.out.Stdout,
		Stderr:   r.out.Stderr,
		ExitCode: r.out.ExitCode,
		Uses:     a.guard.Uses(),
		Duration: r.out.Duration,
	}
	if r.err == nil {
		return res, a.transition(ctx, domain.AgentCompleted, "")
	}

	err := r.err
	cause := context.Cause(runCtx)
	switch {
	case errors.Is(err, domain.ErrCapabilityDeniedAtRuntime):
	case errors.Is(cause, ErrAgentKilled):
		err = cause
	case errors.Is(err, domain.ErrSandboxTimeout), errors.Is(cause, context.DeadlineExceeded):
		err = fmt.Errorf("%w: agent %s exceeded %s", domain.ErrSandboxTimeout, a.ID(), a.timeout)
	case ctx.Err() != nil:
		err = fmt.Errorf("agent %s: %w", a.ID(), context.Cause(ctx))
	}
	a.fail(ctx, err)
	a.m.logger.Warn("agent failed", zap.String("agent_id", a.ID()), zap.String("skill", a.rec.Key()), zap.Error(err))
	return res, err
}

func (a *Agent) fail(ctx context.Context, cause error) {
	if err := a.transition(ctx, domain.AgentFailed, cause.Error()); err != nil {
		a.m.logger.Error("agent fail transition", zap.String("agent_id", a.ID()), zap.Error(err))
	}
}

func (a *Agent) transition(ctx context.Context, to domain.AgentState, reason string) error {
	now := a.m.now()
	a.mu.Lock()
	from := a.info.State
	if err := domain.CanAgentTransition(from, to); err != nil {
		a.mu.Unlock()
		return err
	}
	a.info.State = to
	switch to {
	case domain.AgentRunning:
		a.info.Deadline = now.Add(a.timeout)
	case domain.AgentCompleted, domain.AgentFailed:
		a.info.FinishedAt = &now
		a.info.Error = reason
	}
	info := a.info
	info.Granted = a.info.Granted.Clone()
	a.mu.Unlock()

	a.m.emit(ctx, info, from, reason)
	return nil
}

// teardown: отмена исполнения, отзыв токена, артефакты, удаление каталога,
// освобождение слота, DESTROYED. Токен отзывается до перехода в DESTROYED.
func (a *Agent) teardown(ctx context.Context) {
	a.once.Do(func() {
		a.killCancel(context.Canceled)

		if st := a.State(); st == domain.AgentRunning {
			a.fail(ctx, errors.New("teardown of running agent"))
		}

		if a.cred != nil {
			if err := a.m.vault.Revoke(ctx, a.cred.ID); err != nil {
				a.m.logger.Error("credential revoke failed",
					zap.String("agent_id", a.ID()), zap.String("credential_id", a.cred.ID), zap.Error(err))
			}
		}

		if a.scratch != "" {
			if a.retain {
				if err := a.keepArtifacts(); err != nil {
					a.m.logger.Error("artifact copy failed", zap.String("agent_id", a.ID()), zap.Error(err))
				}
			}
			if err := os.RemoveAll(a.scratch); err != nil {
				a.m.logger.Error("scratch cleanup failed", zap.String("agent_id", a.ID()), zap.Error(err))
			}
		}

		a.release()

		if err := a.transition(ctx, domain.AgentDestroyed, ""); err != nil {
			a.m.logger.Error("agent destroy transition", zap.String("agent_id", a.ID()), zap.Error(err))
		}
		a.m.forget(a.ID())
		a.m.logger.Debug("agent destroyed", zap.String("agent_id", a.ID()))
	})
}

// keepArtifacts копирует непустой output/ в каталог артефактов.
func (a *Agent) keepArtifacts() error {
	src := filepath.Join(a.scratch, OutputDir)
	entries, err := os.ReadDir(src)
	if err != nil || len(entries) == 0 {
		return err
	}
	dst := a.m.artifactPath(a.ID())
	if err := copyTree(src, dst); err != nil {
		return err
	}
	a.artifacts = dst
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case !d.Type().IsRegular():
			// симлинки и прочее из песочницы не выносим
			return nil
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
