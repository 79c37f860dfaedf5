package mzbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/def-/materialize/pkg/runner"
)

// VCSAdapter is the narrow interface PreImage variants use to discover
// which files in a source directory actually matter, deferring to the
// repository's version control tool rather than walking the filesystem
// directly — untracked build output, scratch files, and editor droppings
// never silently change a fingerprint.
type VCSAdapter interface {
	// ExpandGlob returns the tracked file paths under root/dir (relative to
	// dir) whose basename matches the glob pattern. An empty pattern or "*"
	// matches every tracked file under dir, recursively.
	ExpandGlob(ctx context.Context, root, dir, pattern string) ([]string, error)
}

// GitVCSAdapter implements VCSAdapter over `git ls-files`, shelled out
// through runner.CommandRunner. A path only counts as an input if git
// tracks it (or it is staged), matching the orchestrator's long-standing
// assumption that the working tree mirrors the commit that will be built.
type GitVCSAdapter struct {
	Runner runner.CommandRunner
}

func (g *GitVCSAdapter) ExpandGlob(ctx context.Context, root, dir, pattern string) ([]string, error) {
	res, err := g.Runner.Run(ctx, runner.Opts{Dir: root}, "git", "ls-files", "--cached", "--", dir)
	if err != nil {
		return nil, fmt.Errorf("listing tracked files under %s: %w", dir, err)
	}

	matcher := ignore.CompileIgnoreLines(globToGitignorePattern(pattern))

	var matched []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rel, err := filepath.Rel(dir, line)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if pattern == "" || pattern == "*" || matcher.MatchesPath(rel) {
			matched = append(matched, rel)
		}
	}

	sort.Strings(matched)
	return matched, nil
}

// globToGitignorePattern adapts mzbuild.yml's simple glob syntax ("*",
// "*.rs", "**/*.json") to a gitignore-style include pattern usable with
// go-gitignore's matcher, which natively speaks negation/inclusion rules.
func globToGitignorePattern(pattern string) string {
	if pattern == "" || pattern == "*" {
		return "*"
	}
	return pattern
}

// Stat reports whether the given root-relative path is a symlink and
// whether it is owner-executable, without following symlinks, for use by
// fingerprinting.
func Stat(root, relPath string) (os.FileInfo, error) {
	return os.Lstat(filepath.Join(root, relPath))
}

var _ VCSAdapter = (*GitVCSAdapter)(nil)
