package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra"
)

var (
	ErrRevoked      = errors.New("credential revoked")
	ErrInvalidToken = errors.New("credential token invalid")
)

// Credential: кратковременный токен агента. Token уходит только в песочницу.
type Credential struct {
	ID           string
	AgentID      string
	Capabilities domain.CapabilitySet
	ExpiresAt    time.Time
	Token        string
}

func (c Credential) String() string { return "credential " + c.ID }

// Vault выдает токены, ограниченные выданными способностями и сроком агента.
type Vault interface {
	IssueScoped(ctx context.Context, agentID string, caps domain.CapabilitySet, ttl time.Duration) (Credential, error)
	Revoke(ctx context.Context, credentialID string) error
}

// Claims: содержимое токена агента.
type Claims struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"caps"`
	jwt.RegisteredClaims
}

// TokenVault подписывает токены HS256. Отзыв хранится в Redis (ключ на jti с TTL
// до истечения токена), без Redis в памяти процесса.
type TokenVault struct {
	key    []byte
	issuer string
	ttlCap time.Duration
	rdb    *redis.Client
	sink   audit.Sink
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
	revoked map[string]time.Time
}

type Option func(*TokenVault)

func WithRedis(rdb *redis.Client) Option    { return func(v *TokenVault) { v.rdb = rdb } }
func WithClock(now func() time.Time) Option { return func(v *TokenVault) { v.now = now } }
func WithTTLCap(d time.Duration) Option     { return func(v *TokenVault) { v.ttlCap = d } }
func WithIssuer(issuer string) Option       { return func(v *TokenVault) { v.issuer = issuer } }
func WithAudit(sink audit.Sink) Option      { return func(v *TokenVault) { v.sink = sink } }

func NewTokenVault(signingKey []byte, logger *zap.Logger, opts ...Option) (*TokenVault, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("vault: signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	v := &TokenVault{
		key:     signingKey,
		issuer:  "skillgate",
		ttlCap:  15 * time.Minute,
		sink:    audit.Discard{},
		logger:  logger.Named("vault"),
		now:     time.Now,
		expires: make(map[string]time.Time),
		revoked: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// IssueScoped: срок токена равен ttl, но не больше потолка хранилища.
func (v *TokenVault) IssueScoped(ctx context.Context, agentID string, caps domain.CapabilitySet, ttl time.Duration) (Credential, error) {
	if ttl <= 0 {
		return Credential{}, fmt.Errorf("vault: non-positive ttl %s", ttl)
	}
	if len(caps) == 0 {
		return Credential{}, fmt.Errorf("vault: no capabilities to scope for agent %s", agentID)
	}
	if ttl > v.ttlCap {
		ttl = v.ttlCap
	}

	now := v.now()
	cred := Credential{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Capabilities: caps.Clone(),
		ExpiresAt:    now.Add(ttl),
	}
	claims := Claims{
		AgentID:      agentID,
		Capabilities: caps.Strings(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID,
			Issuer:    v.issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return Credential{}, fmt.Errorf("vault: sign: %w", err)
	}
	cred.Token = signed

	v.mu.Lock()
	v.expires[cred.ID] = cred.ExpiresAt
	v.mu.Unlock()

	v.sink.Emit(ctx, audit.Event{
		Kind:      audit.KindCredentialIssued,
		SubjectID: cred.ID,
		Payload: map[string]interface{}{
			"agent_id":     agentID,
			"capabilities": caps.Strings(),
			"expires_at":   cred.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Timestamp: now,
	})
	v.logger.Debug("credential issued",
		zap.String("credential_id", cred.ID),
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", caps.Strings()),
		zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// Revoke идемпотентен. Запись в Redis живет до истечения токена.
func (v *TokenVault) Revoke(ctx context.Context, credentialID string) error {
	now := v.now()

	v.mu.Lock()
	exp, known := v.expires[credentialID]
	if !known {
		exp = now.Add(v.ttlCap)
	}
	_, already := v.revoked[credentialID]
	v.revoked[credentialID] = exp
	delete(v.expires, credentialID)
	v.gcLocked(now)
	v.mu.Unlock()

	if v.rdb != nil {
		ttl := exp.Sub(now)
		if ttl < time.Second {
			ttl = time.Second
		}
		if err := v.rdb.Set(ctx, infra.RedisKeyRevokedCredentials+credentialID, "1", ttl).Err(); err != nil {
			return fmt.Errorf("vault: revoke %s: %w", credentialID, err)
		}
	}
	if already {
		return nil
	}

	v.sink.Emit(ctx, audit.Event{
		Kind:      audit.KindCredentialRevoked,
		SubjectID: credentialID,
		Timestamp: now,
	})
	v.logger.Debug("credential revoked", zap.String("credential_id", credentialID))
	return nil
}

// Verify: подпись, срок и отзыв. Для сервисов, которым агент предъявляет токен.
func (v *TokenVault) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	keyFunc := func(*jwt.Token) (interface{}, error) { return v.key, nil }
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("%w: %s", ErrRevoked, claims.ID)
	}
	return claims, nil
}

// Allows: токен действителен и покрывает способность.
func (v *TokenVault) Allows(ctx context.Context, token string, c domain.Capability) bool {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return false
	}
	for _, s := range claims.Capabilities {
		if domain.Capability(s) == c {
			return true
		}
	}
	return false
}

func (v *TokenVault) isRevoked(ctx context.Context, id string) (bool, error) {
	v.mu.Lock()
	_, local := v.revoked[id]
	v.mu.Unlock()
	if local || v.rdb == nil {
		return local, nil
	}
	n, err := v.rdb.Exists(ctx, infra.RedisKeyRevokedCredentials+id).Result()
	if err != nil {
		// Redis недоступен: считаем отозванным
		return true, fmt.Errorf("vault: revocation lookup: %w", err)
	}
	return n > 0, nil
}

// gcLocked выбрасывает истекшие записи: токен после истечения и так невалиден.
func (v *TokenVault) gcLocked(now time.Time) {
	for id, exp := range v.revoked {
		if now.After(exp) {
			delete(v.revoked, id)
		}
	}
}
