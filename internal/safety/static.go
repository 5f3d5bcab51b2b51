package safety

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/sandbox"
)

// Limits: структурные пределы бандла.
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

func DefaultLimits() Limits {
	return Limits{MaxFiles: 60, MaxBytes: 40 << 20}
}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Report: находки статической проверки. Пустой отчет означает CLEAR.
type Report struct {
	SkillKey string           `json:"skill"`
	Files    int              `json:"files"`
	Bytes    int64            `json:"bytes"`
	Findings []domain.Finding `json:"findings"`
}

func (r Report) Clear() bool { return len(r.Findings) == 0 }

// Reason: первая находка плюс счетчик остальных, для вердикта и ответа регистранту.
func (r Report) Reason() string {
	if r.Clear() {
		return ""
	}
	reason := describe(r.Findings[0])
	if n := len(r.Findings) - 1; n > 0 {
		reason += fmt.Sprintf(" (+%d more)", n)
	}
	return reason
}

func describe(f domain.Finding) string {
	where := f.File
	if f.Line > 0 {
		where = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if where == "" {
		return fmt.Sprintf("%s: %s", f.Rule, f.Message)
	}
	return fmt.Sprintf("%s: %s at %s", f.Rule, f.Message, where)
}

func (r *Report) add(rule, file string, line int, msg string) {
	r.Findings = append(r.Findings, domain.Finding{Rule: rule, File: file, Line: line, Message: msg})
}

// StaticAnalyzer: детерминированная проверка бандла без исполнения.
type StaticAnalyzer struct {
	limits Limits
	rules  []contentRule
}

func NewStaticAnalyzer(limits Limits) *StaticAnalyzer {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultLimits().MaxFiles
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits().MaxBytes
	}
	return &StaticAnalyzer{limits: limits, rules: defaultContentRules()}
}

// Inspect проверяет структуру бандла, содержимое текстовых файлов и импорты WASM-модулей.
func (a *StaticAnalyzer) Inspect(ctx context.Context, m domain.SkillManifest, b domain.Bundle) Report {
	rep := Report{SkillKey: m.Key(), Files: len(b.Files), Bytes: b.Size(), Findings: []domain.Finding{}}

	if rep.Files > a.limits.MaxFiles {
		rep.add(RuleMaxFiles, "", 0, fmt.Sprintf("bundle has %d files, limit %d", rep.Files, a.limits.MaxFiles))
	}
	if rep.Bytes > a.limits.MaxBytes {
		rep.add(RuleMaxBytes, "", 0, fmt.Sprintf("bundle is %d bytes, limit %d", rep.Bytes, a.limits.MaxBytes))
	}
	if _, ok := b.File(m.Entrypoint); !ok {
		rep.add(RuleMissingEntry, m.Entrypoint, 0, "entrypoint is not in the bundle")
	}

	for _, f := range b.Files {
		if !a.checkPath(&rep, f.Path) {
			continue
		}
		if isWasm(f) {
			a.inspectWasm(ctx, &rep, m, f)
			continue
		}
		a.inspectText(&rep, m, f)
	}
	return rep
}

func (a *StaticAnalyzer) checkPath(rep *Report, p string) bool {
	switch {
	case strings.ContainsRune(p, 0):
		rep.add(RuleNulInName, strings.ReplaceAll(p, "\x00", `\0`), 0, "file name contains NUL byte")
		return false
	case strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || (len(p) > 1 && p[1] == ':'):
		rep.add(RuleAbsolutePath, p, 0, "absolute path in bundle")
		return false
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			rep.add(RulePathTraversal, p, 0, "path escapes bundle root")
			return false
		}
	}
	return true
}

func isWasm(f domain.BundleFile) bool {
	return strings.EqualFold(path.Ext(f.Path), ".wasm") || bytes.HasPrefix(f.Data, wasmMagic)
}

func (a *StaticAnalyzer) inspectText(rep *Report, m domain.SkillManifest, f domain.BundleFile) {
	sc := bufio.NewScanner(bytes.NewReader(f.Data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, r := range a.rules {
			if r.Requires != "" && m.Capabilities.Contains(r.Requires) {
				continue
			}
			if r.Pattern.MatchString(text) {
				rep.add(r.ID, f.Path, line, r.Message)
			}
		}
	}
	if err := sc.Err(); err != nil {
		rep.add(RuleUnscannable, f.Path, line+1, err.Error())
	}
}

func (a *StaticAnalyzer) inspectWasm(ctx context.Context, rep *Report, m domain.SkillManifest, f domain.BundleFile) {
	imports, err := sandbox.Imports(ctx, f.Data)
	if err != nil {
		rep.add(RuleWasmInvalid, f.Path, 0, "module does not compile: "+err.Error())
		return
	}
	for _, imp := range imports {
		switch {
		case imp.Module == sandbox.HostModule && imp.Name == sandbox.HostUseCapability:
		case imp.Module == sandbox.WASIModule && strings.HasPrefix(imp.Name, "sock_"):
			if !m.Capabilities.Contains(domain.CapNetworkCall) {
				rep.add(RuleUndeclaredCap, f.Path, 0, imp.String()+" requires network-call")
			}
		case imp.Module == sandbox.WASIModule:
		default:
			rep.add(RuleWasmImport, f.Path, 0, "import outside allow-list: "+imp.String())
		}
	}
}
