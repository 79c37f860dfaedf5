package mzbuild

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/def-/materialize/pkg/logger"
	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
)

// CompositionFileName is the on-disk filename that marks a directory as
// hosting a composition (a multi-image test/dev scenario grouping). The
// composition runtime itself is out of scope; the repository only records
// that one exists, by directory name, for callers that enumerate them.
const CompositionFileName = "mzcompose.py"

// prunedDirNames lists directory basenames the walk never descends into:
// VCS metadata, tool caches, build outputs, dependency caches, and
// virtualenvs. Purely a performance optimization over a large tree; none
// of these ever contain a manifest.
var prunedDirNames = map[string]bool{
	".git":            true,
	".mypy_cache":     true,
	"target":          true,
	"target-ra":       true,
	"target-xcompile": true,
	"mzdata":          true,
	"node_modules":    true,
	"venv":            true,
}

// prunedSubpathParent/prunedSubpathChild are the one hard-coded project-specific exception: under
// RootPath/misc, the "python" subdirectory hosts an entirely separate
// Python source tree with its own massive dependency footprint and never
// contains an mzbuild manifest.
const prunedSubpathParent = "misc"
const prunedSubpathChild = "python"

// Repository is the result of walking a source tree for mzbuild manifests
// and composition files. Images is keyed by name; ImageNames returns the
// names in filesystem discovery order, which is not a topological order —
// callers needing that must go through Resolver.
type Repository struct {
	RootPath     string
	Images       map[string]*Image
	Compositions map[string]string // composition name -> absolute directory
	imageOrder   []string
}

// DiscoverRepository walks root depth-first, top-down, registering every
// directory containing a manifest as an Image and every directory
// containing a composition file by name, then cross-validates the result.
func DiscoverRepository(root string) (*Repository, error) {
	repo := &Repository{
		RootPath:     root,
		Images:       map[string]*Image{},
		Compositions: map[string]string{},
	}

	if err := walkRepository(root, repo); err != nil {
		return nil, err
	}

	if err := repo.validate(); err != nil {
		return nil, err
	}

	return repo, nil
}

func walkRepository(dir string, repo *Repository) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return mzerrors.IoError(dir, err)
	}

	hasManifest := false
	hasComposition := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch e.Name() {
		case ManifestFileName:
			hasManifest = true
		case CompositionFileName:
			hasComposition = true
		}
	}

	if hasManifest {
		img, err := LoadImage(dir)
		if err != nil {
			return err
		}
		if _, dup := repo.Images[img.Name]; dup {
			return mzerrors.ConfigErrorf("repository", img.Name, "duplicate image name, also found at %s", dir)
		}
		repo.Images[img.Name] = img
		repo.imageOrder = append(repo.imageOrder, img.Name)
		logger.Debugf("discovered image %s at %s", img.Name, dir)
	}

	if hasComposition {
		name := filepath.Base(dir)
		if existing, dup := repo.Compositions[name]; dup {
			return mzerrors.ConfigErrorf("repository", name, "duplicate composition name, also found at %s", existing)
		}
		repo.Compositions[name] = dir
	}

	isMiscDir := dir == filepath.Join(repo.RootPath, prunedSubpathParent)

	var subdirs []string
	for _, e := range entries {
		if !e.IsDir() || prunedDirNames[e.Name()] {
			continue
		}
		if isMiscDir && e.Name() == prunedSubpathChild {
			continue
		}
		subdirs = append(subdirs, e.Name())
	}
	sort.Strings(subdirs)

	for _, name := range subdirs {
		if err := walkRepository(filepath.Join(dir, name), repo); err != nil {
			return err
		}
	}

	return nil
}

// validate cross-checks every depends_on edge against the discovered image
// set. Duplicate names are already rejected during the walk.
func (r *Repository) validate() error {
	for name, img := range r.Images {
		for _, dep := range img.DependsOn {
			if _, ok := r.Images[dep]; !ok {
				return mzerrors.GraphError(&mzerrors.UnknownDependency{Image: name, Dep: dep})
			}
		}
	}
	return nil
}

// ImageNames returns every discovered image name, insertion (discovery)
// order. Callers needing a topological order must use Resolver instead.
func (r *Repository) ImageNames() []string {
	return append([]string{}, r.imageOrder...)
}
