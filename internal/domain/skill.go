package domain

import (
	"fmt"
	"time"
)

type SkillState string

const (
	SkillStaging    SkillState = "STAGING"
	SkillLive       SkillState = "LIVE"
	SkillQuarantine SkillState = "QUARANTINE"
)

// VerdictOutcome: итог проверки Safety Gate.
type VerdictOutcome string

const (
	VerdictClear  VerdictOutcome = "CLEAR"
	VerdictUnsafe VerdictOutcome = "UNSAFE"
)

// VerdictStage указывает, какая из двух проверок вынесла решение.
type VerdictStage string

const (
	StageStatic  VerdictStage = "static"
	StageDynamic VerdictStage = "dynamic"
)

// Finding: одно нарушение, найденное при проверке.
type Finding struct {
	Rule    string `json:"rule"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

type Verdict struct {
	Outcome  VerdictOutcome `json:"outcome"`
	Stage    VerdictStage   `json:"stage"`
	Reason   string         `json:"reason,omitempty"`
	Findings []Finding      `json:"findings,omitempty"`
	At       time.Time      `json:"at"`

	// BundleDigest: Bundle.Digest проверенного содержимого.
	BundleDigest string `json:"bundle_digest,omitempty"`
}

// SkillRecord оборачивает манифест состоянием жизненного цикла.
// Trail только дополняется: вердикты не переписываются.
type SkillRecord struct {
	Manifest  SkillManifest `json:"manifest"`
	State     SkillState    `json:"state"`
	Trail     []Verdict     `json:"trail"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (r SkillRecord) Key() string { return r.Manifest.Key() }

// Executable: только LIVE можно запускать, карантин недостижим навсегда.
func (r SkillRecord) Executable() bool { return r.State == SkillLive }

// CanTransitionTo проверяет правила конечного автомата записи:
// STAGING -> LIVE | QUARANTINE, других переходов нет.
func (r SkillRecord) CanTransitionTo(next SkillState) error {
	if r.State != SkillStaging {
		return fmt.Errorf("%w: skill %s is %s", ErrInvalidTransition, r.Key(), r.State)
	}
	if next != SkillLive && next != SkillQuarantine {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}
	return nil
}

// BundleDigest: дайджест содержимого из последнего CLEAR вердикта, пусто если его нет.
func (r SkillRecord) BundleDigest() string {
	for i := len(r.Trail) - 1; i >= 0; i-- {
		if v := r.Trail[i]; v.Outcome == VerdictClear {
			return v.BundleDigest
		}
	}
	return ""
}

// CheckBundle: исполнять можно только то содержимое, которое прошло Safety Gate.
func (r SkillRecord) CheckBundle(b Bundle) error {
	vetted := r.BundleDigest()
	if vetted == "" {
		return fmt.Errorf("%w: %s has no vetted bundle digest", ErrBundleMismatch, r.Key())
	}
	got, err := b.Digest()
	if err != nil {
		return err
	}
	if got != vetted {
		return fmt.Errorf("%w: %s bundle %.12s, vetted %.12s", ErrBundleMismatch, r.Key(), got, vetted)
	}
	return nil
}

// Clone возвращает копию, безопасную для передачи за пределы реестра.
func (r SkillRecord) Clone() SkillRecord {
	out := r
	out.Manifest.Capabilities = r.Manifest.Capabilities.Clone()
	out.Trail = append([]Verdict(nil), r.Trail...)
	return out
}
