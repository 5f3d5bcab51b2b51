package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Source отдает исполняемое содержимое зарегистрированной версии навыка.
type Source interface {
	Fetch(ctx context.Context, id, version string) (domain.Bundle, error)
}

var ErrBundleTooLarge = errors.New("skill bundle exceeds limits")

// ThrottleError: хранилище просит подождать. RetryAfter учитывается при повторе.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// Limits: пределы архива и распакованного содержимого.
type Limits struct {
	MaxArchiveBytes  int64
	MaxFiles         int
	MaxUnpackedBytes int64
}

func DefaultLimits() Limits {
	return Limits{MaxArchiveBytes: 15 << 20, MaxFiles: 60, MaxUnpackedBytes: 40 << 20}
}

// Manifest-файлы рядом с кодом в бандл не попадают.
var manifestNames = map[string]bool{"skill.yaml": true, "skill.yml": true, "skill.json": true}

// checkRef: id и версия становятся частью пути или ключа объекта.
func checkRef(id, version string) error {
	for _, s := range []string{id, version} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`+"\x00") {
			return fmt.Errorf("%w: bad skill reference %q@%q", domain.ErrNotFound, id, version)
		}
	}
	return nil
}

// Unzip распаковывает архив бандла, проверяя пределы до и во время чтения.
func Unzip(data []byte, lim Limits) (domain.Bundle, error) {
	if int64(len(data)) > lim.MaxArchiveBytes {
		return domain.Bundle{}, fmt.Errorf("%w: archive is %d bytes, limit %d", ErrBundleTooLarge, len(data), lim.MaxArchiveBytes)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("open archive: %w", err)
	}

	var (
		b     domain.Bundle
		total int64
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || manifestNames[f.Name] {
			continue
		}
		if len(b.Files) == lim.MaxFiles {
			return domain.Bundle{}, fmt.Errorf("%w: more than %d files", ErrBundleTooLarge, lim.MaxFiles)
		}
		// Заголовок может врать о размере: читаем не больше остатка лимита.
		remain := lim.MaxUnpackedBytes - total
		rc, err := f.Open()
		if err != nil {
			return domain.Bundle{}, fmt.Errorf("open %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(io.LimitReader(rc, remain+1))
		_ = rc.Close()
		if err != nil {
			return domain.Bundle{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
		total += int64(len(body))
		if total > lim.MaxUnpackedBytes {
			return domain.Bundle{}, fmt.Errorf("%w: unpacked size over %d bytes", ErrBundleTooLarge, lim.MaxUnpackedBytes)
		}
		// Имена не чистим: кривые пути должна увидеть статическая проверка.
		b.Files = append(b.Files, domain.BundleFile{Path: f.Name, Data: body})
	}
	return b, nil
}

// LoadDir читает дерево каталога как бандл. Пути в бандле со слешами.
func LoadDir(root string, lim Limits) (domain.Bundle, error) {
	var (
		b     domain.Bundle
		total int64
	)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if manifestNames[rel] || !d.Type().IsRegular() {
			return nil
		}
		if len(b.Files) == lim.MaxFiles {
			return fmt.Errorf("%w: more than %d files", ErrBundleTooLarge, lim.MaxFiles)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += int64(len(data))
		if total > lim.MaxUnpackedBytes {
			return fmt.Errorf("%w: unpacked size over %d bytes", ErrBundleTooLarge, lim.MaxUnpackedBytes)
		}
		b.Files = append(b.Files, domain.BundleFile{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return domain.Bundle{}, err
	}
	sort.Slice(b.Files, func(i, j int) bool { return b.Files[i].Path < b.Files[j].Path })
	return b, nil
}

// DirSource: <root>/<id>/<version>/ либо <root>/<id>/<version>.zip.
type DirSource struct {
	root   string
	limits Limits
}

func NewDirSource(root string, lim Limits) *DirSource {
	return &DirSource{root: root, limits: lim}
}

func (s *DirSource) Fetch(ctx context.Context, id, version string) (domain.Bundle, error) {
	if err := checkRef(id, version); err != nil {
		return domain.Bundle{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Bundle{}, err
	}

	dir := filepath.Join(s.root, id, version)
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		return LoadDir(dir, s.limits)
	}

	archive := dir + ".zip"
	st, err := os.Stat(archive)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Bundle{}, fmt.Errorf("%w: bundle %s", domain.ErrNotFound, domain.SkillKey(id, version))
	}
	if err != nil {
		return domain.Bundle{}, err
	}
	if st.Size() > s.limits.MaxArchiveBytes {
		return domain.Bundle{}, fmt.Errorf("%w: archive is %d bytes, limit %d", ErrBundleTooLarge, st.Size(), s.limits.MaxArchiveBytes)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		return domain.Bundle{}, err
	}
	return Unzip(data, s.limits)
}
