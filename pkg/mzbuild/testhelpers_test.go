package mzbuild

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// fakeVCS expands globs by literally walking the filesystem under
// root/dir, mimicking `git ls-files` closely enough for tests that never
// exercise actual gitignore semantics (no repo under test is a real git
// checkout).
type fakeVCS struct{}

func (fakeVCS) ExpandGlob(ctx context.Context, root, dir, pattern string) ([]string, error) {
	base := filepath.Join(root, dir)
	var matched []string

	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if pattern == "" || pattern == "*" {
			matched = append(matched, rel)
			return nil
		}
		ok, err := filepath.Match(pattern, filepath.Base(rel))
		if err != nil {
			return err
		}
		if ok {
			matched = append(matched, rel)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sort.Strings(matched)
	return matched, nil
}

// fakeWorkspaceProbe is an in-memory WorkspaceProbe for NativeBuild tests.
type fakeWorkspaceProbe struct {
	packages map[string]*WorkspacePackage
	bins     map[string]string
	examples map[string]string
}

func newFakeWorkspaceProbe() *fakeWorkspaceProbe {
	return &fakeWorkspaceProbe{
		packages: map[string]*WorkspacePackage{},
		bins:     map[string]string{},
		examples: map[string]string{},
	}
}

func (f *fakeWorkspaceProbe) addPackage(pkg *WorkspacePackage) {
	f.packages[pkg.Name] = pkg
}

func (f *fakeWorkspaceProbe) Package(name string) (*WorkspacePackage, error) {
	pkg, ok := f.packages[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return pkg, nil
}

func (f *fakeWorkspaceProbe) PackageForBin(name string) (*WorkspacePackage, error) {
	return f.Package(f.bins[name])
}

func (f *fakeWorkspaceProbe) PackageForExample(name string) (*WorkspacePackage, error) {
	return f.Package(f.examples[name])
}

var _ WorkspaceProbe = (*fakeWorkspaceProbe)(nil)
var _ VCSAdapter = fakeVCS{}

// writeFile is a small test helper to create a file with parent dirs.
func writeFile(root, rel, content string) error {
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// writeExecutable writes a file and marks it owner-executable.
func writeExecutable(root, rel, content string) error {
	if err := writeFile(root, rel, content); err != nil {
		return err
	}
	return os.Chmod(filepath.Join(root, rel), 0o755)
}
