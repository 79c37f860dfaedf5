package mzbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
	"github.com/def-/materialize/pkg/runner"
)

// Workspace bundles the two external collaborators every PreImage variant
// needs: a VCS-backed glob expander, and a cargo-metadata-backed
// probe for crate/binary/example ownership and intra-workspace path edges.
// Neither is part of mzbuild's own domain logic; both are narrow interfaces
// over tools the orchestrator shells out to, per spec §9.
type Workspace struct {
	VCS    VCSAdapter
	Cargo  WorkspaceProbe
	Runner runner.CommandRunner
}

// WorkspacePackage describes one crate in the cargo workspace: its name,
// its own input file set, and a means to traverse path dependency edges.
type WorkspacePackage struct {
	Name string
	Dir  string

	// Inputs lists files (workspace-root-relative) owned directly by this
	// package (its own source tree), independent of its dependencies.
	Inputs []string

	// PathDeps are other in-workspace packages this one depends on via a
	// `path = "..."` Cargo.toml dependency.
	PathDeps []string
	// DevPathDeps are path dependencies declared under [dev-dependencies],
	// only followed when resolving an example's transitive closure.
	DevPathDeps []string
}

// WorkspaceProbe resolves binary/example names to their owning package and
// exposes the package graph needed to compute a transitive input closure.
// A real implementation shells out to `cargo metadata`; tests supply a
// fake.
type WorkspaceProbe interface {
	PackageForBin(name string) (*WorkspacePackage, error)
	PackageForExample(name string) (*WorkspacePackage, error)
	Package(name string) (*WorkspacePackage, error)
}

// TransitiveInputs returns the union of input files for pkg and every
// package reachable by following path dependency edges (and, if
// includeDev, dev-dependency edges too).
func TransitiveInputs(probe WorkspaceProbe, root *WorkspacePackage, includeDev bool) ([]string, error) {
	seen := map[string]bool{}
	var inputs []string

	var visit func(pkg *WorkspacePackage) error
	visit = func(pkg *WorkspacePackage) error {
		if seen[pkg.Name] {
			return nil
		}
		seen[pkg.Name] = true
		inputs = append(inputs, pkg.Inputs...)

		deps := pkg.PathDeps
		if includeDev {
			deps = append(append([]string{}, deps...), pkg.DevPathDeps...)
		}
		for _, depName := range deps {
			dep, err := probe.Package(depName)
			if err != nil {
				return err
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}

	sort.Strings(inputs)
	return inputs, nil
}

// CargoMetadataProbe implements WorkspaceProbe over real `cargo metadata`
// output, shelled out through runner.CommandRunner.
type CargoMetadataProbe struct {
	Root     string
	Runner   runner.CommandRunner
	packages map[string]*WorkspacePackage
	binOwner map[string]string
	exOwner  map[string]string
}

// cargoMetadata mirrors the subset of `cargo metadata --format-version 1`
// this probe consumes.
type cargoMetadata struct {
	Packages []cargoPackage `json:"packages"`
}

type cargoPackage struct {
	Name         string            `json:"name"`
	ManifestPath string            `json:"manifest_path"`
	Targets      []cargoTarget     `json:"targets"`
	Dependencies []cargoDependency `json:"dependencies"`
}

type cargoTarget struct {
	Name string   `json:"name"`
	Kind []string `json:"kind"`
}

type cargoDependency struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Kind string `json:"kind,omitempty"` // "", "dev", or "build"
}

// Load runs `cargo metadata` and populates the probe's package index. Must
// be called before PackageForBin/PackageForExample/Package.
func (p *CargoMetadataProbe) Load(ctx context.Context, vcs VCSAdapter) error {
	res, err := p.Runner.Run(ctx, runner.Opts{Dir: p.Root}, "cargo", "metadata", "--format-version", "1", "--no-deps")
	if err != nil {
		return mzerrors.Subprocess("cargo metadata", res.ExitCode)
	}

	var meta cargoMetadata
	if err := json.Unmarshal([]byte(res.Stdout), &meta); err != nil {
		return fmt.Errorf("parsing cargo metadata output: %w", err)
	}

	p.packages = make(map[string]*WorkspacePackage, len(meta.Packages))
	p.binOwner = make(map[string]string)
	p.exOwner = make(map[string]string)

	for _, pkg := range meta.Packages {
		dir := filepath.Dir(pkg.ManifestPath)
		relDir, err := filepath.Rel(p.Root, dir)
		if err != nil {
			relDir = dir
		}

		inputs, err := vcs.ExpandGlob(ctx, p.Root, relDir, "**/*")
		if err != nil {
			return err
		}

		wp := &WorkspacePackage{Name: pkg.Name, Dir: relDir, Inputs: inputs}
		for _, dep := range pkg.Dependencies {
			if dep.Path == "" {
				continue
			}
			switch dep.Kind {
			case "dev":
				wp.DevPathDeps = append(wp.DevPathDeps, dep.Name)
			case "build", "":
				wp.PathDeps = append(wp.PathDeps, dep.Name)
			}
		}
		p.packages[pkg.Name] = wp

		for _, t := range pkg.Targets {
			for _, kind := range t.Kind {
				switch kind {
				case "bin":
					p.binOwner[t.Name] = pkg.Name
				case "example":
					p.exOwner[t.Name] = pkg.Name
				}
			}
		}
	}

	return nil
}

func (p *CargoMetadataProbe) Package(name string) (*WorkspacePackage, error) {
	pkg, ok := p.packages[name]
	if !ok {
		return nil, fmt.Errorf("unknown workspace package %q", name)
	}
	return pkg, nil
}

func (p *CargoMetadataProbe) PackageForBin(name string) (*WorkspacePackage, error) {
	owner, ok := p.binOwner[name]
	if !ok {
		return nil, fmt.Errorf("no workspace package owns binary %q", name)
	}
	return p.Package(owner)
}

func (p *CargoMetadataProbe) PackageForExample(name string) (*WorkspacePackage, error) {
	owner, ok := p.exOwner[name]
	if !ok {
		return nil, fmt.Errorf("no workspace package owns example %q", name)
	}
	return p.Package(owner)
}

var _ WorkspaceProbe = (*CargoMetadataProbe)(nil)

// ownerPackageNames returns the deduplicated, sorted set of package names
// owning any of the given bins/examples — used to build the `--package`
// flags in a batched build invocation.
func ownerPackageNames(probe WorkspaceProbe, bins, examples []string) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	add := func(pkg *WorkspacePackage) {
		if !seen[pkg.Name] {
			seen[pkg.Name] = true
			names = append(names, pkg.Name)
		}
	}

	for _, b := range bins {
		pkg, err := probe.PackageForBin(b)
		if err != nil {
			return nil, err
		}
		add(pkg)
	}
	for _, e := range examples {
		pkg, err := probe.PackageForExample(e)
		if err != nil {
			return nil, err
		}
		add(pkg)
	}

	sort.Strings(names)
	return names, nil
}
