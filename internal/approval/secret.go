package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const redacted = "[REDACTED]"

// Secret: кандидат PIN, пришедший от человека. Значение недоступно за пределами
// пакета: fmt, json и zap видят только [REDACTED].
type Secret struct {
	value string
}

func NewSecret(v string) Secret { return Secret{value: v} }

func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// SecretVerifier: одностороняя проверка. Наружу выходит только bool.
type SecretVerifier interface {
	Verify(ctx context.Context, candidate Secret) (bool, error)
}

var ErrNoSecretConfigured = errors.New("approval secret is not configured")

// PINVerifier хранит bcrypt-хеш (соль внутри хеша) PIN администратора.
// Проверки идут под разделяемой блокировкой, ротация под эксклюзивной.
type PINVerifier struct {
	mu   sync.RWMutex
	hash []byte
}

// NewPINVerifier принимает готовый bcrypt-хеш (см. skillctl pin-hash).
func NewPINVerifier(hash string) (*PINVerifier, error) {
	if hash == "" {
		return &PINVerifier{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("approval: invalid pin hash: %w", err)
	}
	return &PINVerifier{hash: []byte(hash)}, nil
}

// HashPIN строит соленый хеш для конфигурации.
func HashPIN(pin string, cost int) (string, error) {
	if pin == "" {
		return "", errors.New("approval: empty pin")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", fmt.Errorf("approval: hash pin: %w", err)
	}
	return string(h), nil
}

func (v *PINVerifier) Verify(_ context.Context, candidate Secret) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.hash) == 0 {
		return false, ErrNoSecretConfigured
	}
	if candidate.Empty() {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword(v.hash, []byte(candidate.value))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("approval: verify: %w", err)
	}
}

// Rotate меняет PIN. Требует знание текущего (если он задан).
func (v *PINVerifier) Rotate(current, next Secret, cost int) error {
	if next.Empty() {
		return errors.New("approval: empty pin")
	}
	h, err := HashPIN(next.value, cost)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(current.value)); err != nil {
			return fmt.Errorf("approval: rotate: current pin rejected")
		}
	}
	v.hash = []byte(h)
	return nil
}
