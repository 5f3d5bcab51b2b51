package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/manifest"
)

const lockStripes = 64

// LatestVersion: псевдоверсия для разрешения последней LIVE версии.
const LatestVersion = "latest"

// Signaler разносит факт карантина по остальным репликам.
type Signaler interface {
	PublishQuarantine(ctx context.Context, key string) error
}

// Registry хранит записи навыков. Чтение разделяемое, мутация (promote/quarantine)
// берет эксклюзивную блокировку только своей записи.
type Registry struct {
	store    Store
	signaler Signaler
	sink     audit.Sink
	logger   *zap.Logger
	now      func() time.Time

	stripes [lockStripes]sync.RWMutex

	// L1 deny-set: ключи id@version в карантине, в том числе узнанные от других реплик.
	quarantined sync.Map
}

type Option func(*Registry)

func WithSignaler(s Signaler) Option       { return func(r *Registry) { r.signaler = s } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(store Store, sink audit.Sink, logger *zap.Logger, opts ...Option) *Registry {
	if sink == nil {
		sink = audit.Discard{}
	}
	r := &Registry{
		store:  store,
		sink:   sink,
		logger: logger.Named("registry"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) lockFor(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.stripes[h.Sum32()%lockStripes]
}

// Register принимает уже разобранный манифест, перепроверяет его и создает запись в STAGING.
func (r *Registry) Register(ctx context.Context, m domain.SkillManifest) (domain.SkillRecord, error) {
	if err := manifest.Validate(m); err != nil {
		return domain.SkillRecord{}, err
	}
	if m.Digest == "" {
		digest, err := manifest.Digest(m)
		if err != nil {
			return domain.SkillRecord{}, err
		}
		m.Digest = digest
	}

	now := r.now()
	rec := domain.SkillRecord{
		Manifest:  m,
		State:     domain.SkillStaging,
		CreatedAt: now,
		UpdatedAt: now,
	}

	lock := r.lockFor(rec.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.Insert(ctx, rec); err != nil {
		return domain.SkillRecord{}, err
	}

	r.logger.Info("skill registered",
		zap.String("skill", rec.Key()),
		zap.String("risk_tier", string(m.RiskTier)),
		zap.Strings("capabilities", m.Capabilities.Strings()))
	r.sink.Emit(ctx, audit.Event{
		Kind:      audit.KindSkillRegistered,
		SubjectID: rec.Key(),
		SkillID:   m.ID,
		To:        string(domain.SkillStaging),
		Payload: map[string]interface{}{
			"risk_tier":    m.RiskTier,
			"capabilities": m.Capabilities.Strings(),
			"digest":       m.Digest,
		},
	})
	return rec.Clone(), nil
}

// Resolve возвращает запись для исполнения. Карантин недостижим всегда:
// сначала L1 deny-set, затем состояние из хранилища.
func (r *Registry) Resolve(ctx context.Context, id, version string) (domain.SkillRecord, error) {
	if version == "" || strings.EqualFold(version, LatestVersion) {
		return r.resolveLatest(ctx, id)
	}
	key := domain.SkillKey(id, version)
	if r.IsQuarantined(key) {
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s", domain.ErrQuarantined, key)
	}

	lock := r.lockFor(key)
	lock.RLock()
	rec, err := r.store.Get(ctx, id, version)
	lock.RUnlock()
	if err != nil {
		return domain.SkillRecord{}, err
	}
	if rec.State == domain.SkillQuarantine {
		r.quarantined.Store(key, struct{}{})
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s", domain.ErrQuarantined, key)
	}
	return rec, nil
}

func (r *Registry) resolveLatest(ctx context.Context, id string) (domain.SkillRecord, error) {
	versions, err := r.store.Versions(ctx, id)
	if err != nil {
		return domain.SkillRecord{}, err
	}
	if len(versions) == 0 {
		return domain.SkillRecord{}, fmt.Errorf("%w: skill %s", domain.ErrNotFound, id)
	}

	var best domain.SkillRecord
	var firstErr error
	for _, v := range versions {
		rec, err := r.Resolve(ctx, id, v)
		if err != nil {
			if firstErr == nil || errors.Is(err, domain.ErrQuarantined) {
				firstErr = err
			}
			continue
		}
		if rec.State != domain.SkillLive {
			continue
		}
		if best.Manifest.ID == "" || manifest.Newer(rec.Manifest.Version, best.Manifest.Version) {
			best = rec
		}
	}
	if best.Manifest.ID != "" {
		return best, nil
	}
	if firstErr != nil {
		return domain.SkillRecord{}, firstErr
	}
	return domain.SkillRecord{}, fmt.Errorf("%w: skill %s has no live version", domain.ErrNotLive, id)
}

// Get возвращает запись в любом состоянии (для Safety Gate и консоли).
func (r *Registry) Get(ctx context.Context, id, version string) (domain.SkillRecord, error) {
	key := domain.SkillKey(id, version)
	lock := r.lockFor(key)
	lock.RLock()
	defer lock.RUnlock()
	return r.store.Get(ctx, id, version)
}

func (r *Registry) List(ctx context.Context) ([]domain.SkillRecord, error) {
	return r.store.List(ctx)
}

// Promote: STAGING -> LIVE. Вызывается только Safety Gate.
func (r *Registry) Promote(ctx context.Context, id, version string, v domain.Verdict) (domain.SkillRecord, error) {
	return r.transition(ctx, id, version, domain.SkillLive, v)
}

// Quarantine: STAGING -> QUARANTINE, конечное состояние для версии. Вызывается только Safety Gate.
func (r *Registry) Quarantine(ctx context.Context, id, version string, v domain.Verdict) (domain.SkillRecord, error) {
	key := domain.SkillKey(id, version)
	// Deny-set заполняется до записи: конкурентный Resolve не увидит промежуточного окна.
	r.quarantined.Store(key, struct{}{})
	rec, err := r.transition(ctx, id, version, domain.SkillQuarantine, v)
	if err != nil {
		if cur, gerr := r.store.Get(ctx, id, version); gerr != nil || cur.State != domain.SkillQuarantine {
			r.quarantined.Delete(key)
		}
		return rec, err
	}
	if r.signaler != nil {
		if err := r.signaler.PublishQuarantine(ctx, key); err != nil {
			r.logger.Warn("quarantine signal delivery failed", zap.String("skill", key), zap.Error(err))
		}
	}
	return rec, nil
}

func (r *Registry) transition(ctx context.Context, id, version string, to domain.SkillState, v domain.Verdict) (domain.SkillRecord, error) {
	key := domain.SkillKey(id, version)
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	cur, err := r.store.Get(ctx, id, version)
	if err != nil {
		return domain.SkillRecord{}, err
	}
	if err := cur.CanTransitionTo(to); err != nil {
		return domain.SkillRecord{}, err
	}
	if v.At.IsZero() {
		v.At = r.now()
	}
	rec, err := r.store.Transition(ctx, id, version, cur.State, to, v)
	if err != nil {
		return domain.SkillRecord{}, err
	}

	r.logger.Info("skill state changed",
		zap.String("skill", key),
		zap.String("from", string(cur.State)),
		zap.String("to", string(to)),
		zap.String("reason", v.Reason))
	return rec, nil
}

// MarkQuarantined применяет сигнал от другой реплики.
func (r *Registry) MarkQuarantined(key string) {
	r.quarantined.Store(key, struct{}{})
}

func (r *Registry) IsQuarantined(key string) bool {
	_, ok := r.quarantined.Load(key)
	return ok
}

// QuarantinedKeys: ключи из хранилища для прогрева deny-set при старте.
func (r *Registry) QuarantinedKeys(ctx context.Context) ([]string, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for _, rec := range records {
		if rec.State == domain.SkillQuarantine {
			keys = append(keys, rec.Key())
		}
	}
	return keys, nil
}
