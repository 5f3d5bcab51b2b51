package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/skillgate/internal/domain"
)

// ReliableConfig: лимит запросов, повторы и предохранитель вокруг источника.
type ReliableConfig struct {
	Rate        float64
	Burst       int
	Attempts    uint
	CallTimeout time.Duration

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration

	// OnStateChange дополнительно получает смену состояния предохранителя (метрики).
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		Rate:          20,
		Burst:         5,
		Attempts:      3,
		CallTimeout:   10 * time.Second,
		CBMaxRequests: 3,
		CBInterval:    5 * time.Second,
		CBTimeout:     30 * time.Second,
	}
}

// Reliable оборачивает Source: rate limiter, circuit breaker, повтор с бэкоффом.
type Reliable struct {
	next    Source
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliableConfig
	logger  *zap.Logger
}

func NewReliable(next Source, cfg ReliableConfig, logger *zap.Logger) *Reliable {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	logger = logger.Named("source")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "skill-source",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд: открываемся
			return counts.ConsecutiveFailures > 5
		},
		// Отсутствие бандла и превышение лимитов не говорят о здоровье хранилища
		IsSuccessful: func(err error) bool {
			return err == nil || permanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})
	return &Reliable{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, ErrBundleTooLarge)
}

func (r *Reliable) Fetch(ctx context.Context, id, version string) (domain.Bundle, error) {
	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.Bundle{}, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	res, err := r.cb.Execute(func() (interface{}, error) {
		var bundle domain.Bundle
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.RetryIf(func(err error) bool { return !permanent(err) }),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
			retry.OnRetry(func(n uint, err error) {
				r.logger.Debug("fetch retry",
					zap.String("skill", domain.SkillKey(id, version)), zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)
		err := rt.Do(func() error {
			callCtx := ctx
			if r.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
				defer cancel()
			}
			var callErr error
			bundle, callErr = r.next.Fetch(callCtx, id, version)
			return callErr
		})
		return bundle, err
	})
	if err != nil {
		return domain.Bundle{}, err
	}
	return res.(domain.Bundle), nil
}
