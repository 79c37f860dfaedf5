package mzbuild

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/def-/materialize/pkg/runner"
)

func buildSingleImageSet(t *testing.T, root string, fake *runner.FakeCommandRunner) (*DependencySet, *ResolvedImage) {
	t.Helper()
	require.NoError(t, writeFile(root, "alpha/mzbuild.yml", "name: alpha\n"))
	require.NoError(t, writeFile(root, "alpha/Dockerfile", "FROM scratch\n"))

	img := &Image{Name: "alpha", Publish: true, Path: filepath.Join(root, "alpha")}
	ws := &Workspace{VCS: fakeVCS{}, Cargo: newFakeWorkspaceProbe(), Runner: fake}
	axes := testAxes(root)
	builder := &Builder{Runner: fake}

	resolved := NewResolvedImage(img, map[string]*ResolvedImage{}, ws, axes, builder)
	ds := NewDependencySet([]string{"alpha"}, map[string]*ResolvedImage{"alpha": resolved})
	return ds, resolved
}

func TestDependencySet_Acquire_PullSucceedsSkipsBuild(t *testing.T) {
	root := t.TempDir()
	fake := &runner.FakeCommandRunner{}
	ds, img := buildSingleImageSet(t, root, fake)

	err := ds.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, img.Acquired)

	for _, call := range fake.Calls {
		assert.NotEqual(t, "git", call.Name, "should not purge/build when pull succeeds")
	}
}

// subcommandFailingRunner fails docker invocations whose first argument
// matches FailOn (e.g. "pull"), succeeding at everything else. The stock
// runner.FakeCommandRunner only keys by binary name, which can't tell
// "docker pull" from "docker build" apart.
type subcommandFailingRunner struct {
	FailOn string
	calls  []runner.FakeCall
}

func (r *subcommandFailingRunner) Run(_ context.Context, opts runner.Opts, name string, args ...string) (runner.Result, error) {
	r.calls = append(r.calls, runner.FakeCall{Name: name, Args: args, Opts: opts})
	if name == "docker" && len(args) > 0 && args[0] == r.FailOn {
		return runner.Result{ExitCode: 1}, errors.New("simulated failure")
	}
	return runner.Result{ExitCode: 0}, nil
}

func TestDependencySet_Acquire_PullFailsFallsBackToBuild(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, writeFile(root, "alpha/mzbuild.yml", "name: alpha\n"))
	require.NoError(t, writeFile(root, "alpha/Dockerfile", "FROM scratch\n"))

	fake := &subcommandFailingRunner{FailOn: "pull"}
	img := &Image{Name: "alpha", Publish: true, Path: filepath.Join(root, "alpha")}
	ws := &Workspace{VCS: fakeVCS{}, Cargo: newFakeWorkspaceProbe(), Runner: fake}
	axes := testAxes(root)
	builder := &Builder{Runner: fake}
	resolved := NewResolvedImage(img, map[string]*ResolvedImage{}, ws, axes, builder)
	ds := NewDependencySet([]string{"alpha"}, map[string]*ResolvedImage{"alpha": resolved})

	err := ds.Acquire(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, resolved.Acquired)

	var sawGitClean, sawDockerBuild bool
	for _, call := range fake.calls {
		if call.Name == "git" {
			sawGitClean = true
		}
		if call.Name == "docker" && len(call.Args) > 0 && call.Args[0] == "build" {
			sawDockerBuild = true
		}
	}
	assert.True(t, sawGitClean)
	assert.True(t, sawDockerBuild)
}

// Ensure's publish check (Image.Publish true) hits the real registry API via
// crane, which this suite deliberately never exercises over the network;
// IsPublishedIfNecessary's publish=false short circuit is tested directly
// instead (TestResolvedImage_IsPublishedIfNecessary_SkipsWhenNotPublish).
func TestDependencySet_Ensure_NoOpWhenNothingNeedsBuilding(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, writeFile(root, "priv/mzbuild.yml", "name: priv\npublish: false\n"))
	require.NoError(t, writeFile(root, "priv/Dockerfile", "FROM scratch\n"))

	fake := &runner.FakeCommandRunner{}
	ws := &Workspace{VCS: fakeVCS{}, Cargo: newFakeWorkspaceProbe(), Runner: fake}
	axes := testAxes(root)
	builder := &Builder{Runner: fake}

	priv := NewResolvedImage(&Image{Name: "priv", Publish: false, Path: filepath.Join(root, "priv")}, map[string]*ResolvedImage{}, ws, axes, builder)
	ds := NewDependencySet([]string{"priv"}, map[string]*ResolvedImage{"priv": priv})

	called := false
	err := ds.Ensure(context.Background(), func(img *ResolvedImage) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called, "postBuild must not run when every image is already published or unpublishable")
	assert.Empty(t, fake.Calls)
}

func TestDependencySet_Images_PreservesTopologicalOrder(t *testing.T) {
	root := t.TempDir()
	ws := &Workspace{VCS: fakeVCS{}, Cargo: newFakeWorkspaceProbe(), Runner: &runner.FakeCommandRunner{}}
	axes := testAxes(root)
	builder := &Builder{Runner: ws.Runner}

	a := NewResolvedImage(&Image{Name: "a"}, nil, ws, axes, builder)
	b := NewResolvedImage(&Image{Name: "b"}, nil, ws, axes, builder)
	ds := NewDependencySet([]string{"a", "b"}, map[string]*ResolvedImage{"a": a, "b": b})

	names := []string{}
	for _, img := range ds.Images() {
		names = append(names, img.Image.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}
