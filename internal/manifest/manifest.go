package manifest

/*
Пакет manifest разбирает декларативные манифесты навыков.

Путь данных: YAML или JSON -> нормализация в JSON -> JSON Schema (Draft 2020-12) ->
типизированный domain.SkillManifest с закрытым набором возможностей.
Всё, что не проходит, отвергается как domain.ErrManifestInvalid до регистрации.
*/

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/skillgate/internal/domain"
)

//go:embed manifest.schema.json
var schemaJSON string

const schemaURL = "manifest.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// rawManifest повторяет форму документа до типизации.
type rawManifest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Author       string   `json:"author"`
	Capabilities []string `json:"capabilities"`
	RiskTier     string   `json:"risk_tier"`
	Profile      string   `json:"profile"`
	Resources    struct {
		CPUPercent    float64 `json:"cpu_percent"`
		MemoryMB      int     `json:"memory_mb"`
		MaxRuntime    string  `json:"max_runtime"`
		EstimatedCost float64 `json:"estimated_cost"`
	} `json:"resources"`
	Entrypoint string `json:"entrypoint"`
}

// Parse принимает YAML или JSON (JSON является подмножеством YAML).
func Parse(data []byte) (domain.SkillManifest, error) {
	// 1. YAML -> generic -> JSON. yaml.v3 отдает map[string]interface{} для строковых ключей.
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}
	if generic == nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: empty document", domain.ErrManifestInvalid)
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}

	// 2. Структурная проверка схемой
	sch, err := compiledSchema()
	if err != nil {
		return domain.SkillManifest{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}
	if err := sch.Validate(doc); err != nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}

	var raw rawManifest
	if err := json.Unmarshal(normalized, &raw); err != nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}

	// 3. Типизация: закрытые перечисления и semver
	return build(raw)
}

// Load читает манифест с диска.
func Load(path string) (domain.SkillManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SkillManifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data)
}

func build(raw rawManifest) (domain.SkillManifest, error) {
	caps, err := domain.ParseCapabilitySet(raw.Capabilities)
	if err != nil {
		return domain.SkillManifest{}, err
	}
	tier, err := domain.ParseRiskTier(raw.RiskTier)
	if err != nil {
		return domain.SkillManifest{}, err
	}
	v, err := semver.NewVersion(raw.Version)
	if err != nil {
		return domain.SkillManifest{}, fmt.Errorf("%w: version %q: %v", domain.ErrManifestInvalid, raw.Version, err)
	}
	if strings.HasPrefix(raw.Entrypoint, "/") || strings.Contains(raw.Entrypoint, "..") {
		return domain.SkillManifest{}, fmt.Errorf("%w: entrypoint %q escapes the bundle", domain.ErrManifestInvalid, raw.Entrypoint)
	}

	m := domain.SkillManifest{
		ID:           raw.ID,
		Name:         raw.Name,
		Version:      v.String(),
		Description:  raw.Description,
		Author:       raw.Author,
		Capabilities: caps,
		RiskTier:     tier,
		Profile:      domain.JobProfile(raw.Profile),
		Entrypoint:   raw.Entrypoint,
		Resources: domain.ResourceProfile{
			CPUPercent:    raw.Resources.CPUPercent,
			MemoryMB:      raw.Resources.MemoryMB,
			EstimatedCost: raw.Resources.EstimatedCost,
		},
	}
	if m.Profile == "" {
		m.Profile = domain.ProfileAutomation
	}
	if raw.Resources.MaxRuntime != "" {
		d, err := time.ParseDuration(raw.Resources.MaxRuntime)
		if err != nil || d <= 0 {
			return domain.SkillManifest{}, fmt.Errorf("%w: max_runtime %q", domain.ErrManifestInvalid, raw.Resources.MaxRuntime)
		}
		m.Resources.MaxRuntime = d
	}

	digest, err := Digest(m)
	if err != nil {
		return domain.SkillManifest{}, err
	}
	m.Digest = digest
	return m, nil
}

// Digest считает SHA-256 от канонической (RFC 8785) JSON-формы манифеста без поля digest.
func Digest(m domain.SkillManifest) (string, error) {
	m.Digest = ""
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("manifest digest: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("manifest digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Validate повторно проверяет уже типизированный манифест (например, пришедший из БД).
func Validate(m domain.SkillManifest) error {
	if m.ID == "" || m.Name == "" || m.Entrypoint == "" {
		return fmt.Errorf("%w: id, name and entrypoint are required", domain.ErrManifestInvalid)
	}
	if _, err := domain.ParseRiskTier(string(m.RiskTier)); err != nil {
		return err
	}
	for c := range m.Capabilities {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown capability kind %q", domain.ErrManifestInvalid, c)
		}
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", domain.ErrManifestInvalid, m.Version, err)
	}
	return nil
}

// Newer сравнивает версии по semver. Невалидные версии считаются младше валидных.
func Newer(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	}
	return va.GreaterThan(vb)
}
