package sandbox

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xela07ax/skillgate/internal/domain"
)

// mountTree: снимок каталога исполнения для передачи удаленному исполнителю.
type mountTree struct {
	Dirs  []string
	Files []domain.BundleFile
}

func packMount(root string) (mountTree, error) {
	var t mountTree
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			t.Dirs = append(t.Dirs, rel)
		case d.Type().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			t.Files = append(t.Files, domain.BundleFile{Path: rel, Data: data})
		}
		return nil
	})
	if err != nil {
		return mountTree{}, fmt.Errorf("pack mount: %w", err)
	}
	return t, nil
}

// unpackMount раскладывает снимок в root. Пути вне root отвергаются.
func unpackMount(root string, t mountTree) error {
	for _, d := range t.Dirs {
		if !filepath.IsLocal(filepath.FromSlash(d)) {
			return fmt.Errorf("unpack mount: path %q escapes mount", d)
		}
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(d)), 0o700); err != nil {
			return fmt.Errorf("unpack mount: %w", err)
		}
	}
	for _, f := range t.Files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return fmt.Errorf("unpack mount: path %q escapes mount", f.Path)
		}
		dst := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return fmt.Errorf("unpack mount: %w", err)
		}
		if err := os.WriteFile(dst, f.Data, 0o600); err != nil {
			return fmt.Errorf("unpack mount: %w", err)
		}
	}
	return nil
}

// written: файлы root, которых не было в before или которые изменились.
func written(root string, before mountTree) ([]domain.BundleFile, error) {
	after, err := packMount(root)
	if err != nil {
		return nil, err
	}
	sent := make(map[string][]byte, len(before.Files))
	for _, f := range before.Files {
		sent[f.Path] = f.Data
	}
	var out []domain.BundleFile
	for _, f := range after.Files {
		if old, ok := sent[f.Path]; ok && bytes.Equal(old, f.Data) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
