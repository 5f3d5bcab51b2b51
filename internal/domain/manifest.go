package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

func ParseRiskTier(s string) (RiskTier, error) {
	t := RiskTier(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case RiskLow, RiskMedium, RiskHigh:
		return t, nil
	case "":
		return "", fmt.Errorf("%w: risk tier is required", ErrManifestInvalid)
	}
	return "", fmt.Errorf("%w: unknown risk tier %q", ErrManifestInvalid, s)
}

func (t RiskTier) rank() int {
	switch t {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

// AtLeast сравнивает уровни риска.
func (t RiskTier) AtLeast(other RiskTier) bool { return t.rank() >= other.rank() }

// Max возвращает более строгий из двух уровней.
func (t RiskTier) Max(other RiskTier) RiskTier {
	if other.rank() > t.rank() {
		return other
	}
	return t
}

// RequiresApproval: MEDIUM и HIGH всегда проходят через двойное подтверждение.
func (t RiskTier) RequiresApproval() bool { return t.AtLeast(RiskMedium) }

// ResourceProfile описывает заявленное потребление навыка.
type ResourceProfile struct {
	CPUPercent    float64       `json:"cpu_percent,omitempty" yaml:"cpu_percent"`
	MemoryMB      int           `json:"memory_mb,omitempty" yaml:"memory_mb"`
	MaxRuntime    time.Duration `json:"max_runtime,omitempty" yaml:"max_runtime"`
	EstimatedCost float64       `json:"estimated_cost,omitempty" yaml:"estimated_cost"`
}

// SkillManifest неизменяем после регистрации: изменение требует новой версии.
type SkillManifest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description,omitempty"`
	Author       string          `json:"author,omitempty"`
	Capabilities CapabilitySet   `json:"capabilities"`
	RiskTier     RiskTier        `json:"risk_tier"`
	Profile      JobProfile      `json:"profile,omitempty"`
	Resources    ResourceProfile `json:"resources"`
	Entrypoint   string          `json:"entrypoint"`
	Digest       string          `json:"digest,omitempty"` // канонический SHA-256 манифеста
}

// Key: составной ключ записи в реестре.
func (m SkillManifest) Key() string { return SkillKey(m.ID, m.Version) }

func SkillKey(id, version string) string { return id + "@" + version }

// Bundle: исполняемое содержимое навыка, полученное из источника.
type Bundle struct {
	Files []BundleFile
}

type BundleFile struct {
	Path string
	Data []byte
}

// File возвращает файл по пути внутри бандла.
func (b Bundle) File(path string) (BundleFile, bool) {
	for _, f := range b.Files {
		if f.Path == path {
			return f, true
		}
	}
	return BundleFile{}, false
}

// Digest: SHA-256 от канонического (RFC 8785) JSON {путь: sha256 содержимого}.
// Порядок файлов и способ упаковки (каталог или zip) на результат не влияют.
func (b Bundle) Digest() (string, error) {
	files := make(map[string]string, len(b.Files))
	for _, f := range b.Files {
		sum := sha256.Sum256(f.Data)
		files[f.Path] = hex.EncodeToString(sum[:])
	}
	data, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("bundle digest: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("bundle digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (b Bundle) Size() int64 {
	var n int64
	for _, f := range b.Files {
		n += int64(len(f.Data))
	}
	return n
}
