package mzbuild

import (
	"sort"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
)

// Resolver performs the depth-first topological sort over an Image DAG
// rooted at a target set, producing the order a DependencySet iterates in.
type Resolver struct {
	repo *Repository
}

func NewResolver(repo *Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the transitive closure of targets in topological order:
// every image appears strictly after all of its dependencies. Traversal is
// name-sorted at every branch so the result is deterministic regardless of
// map iteration order.
func (r *Resolver) Resolve(targets []string) ([]string, error) {
	sortedTargets := append([]string{}, targets...)
	sort.Strings(sortedTargets)

	var resolved []string
	resolvedSet := map[string]bool{}
	visiting := map[string]bool{}

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if resolvedSet[name] {
			return nil
		}
		if visiting[name] {
			return mzerrors.GraphError(&mzerrors.CircularDependency{Path: append(append([]string{}, path...), name)})
		}

		img, ok := r.repo.Images[name]
		if !ok {
			parent := ""
			if len(path) > 0 {
				parent = path[len(path)-1]
			}
			return mzerrors.GraphError(&mzerrors.UnknownDependency{Image: parent, Dep: name})
		}

		visiting[name] = true
		nextPath := append(append([]string{}, path...), name)

		deps := append([]string{}, img.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, nextPath); err != nil {
				return err
			}
		}

		visiting[name] = false
		resolvedSet[name] = true
		resolved = append(resolved, name)
		return nil
	}

	for _, target := range sortedTargets {
		if err := visit(target, nil); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}
