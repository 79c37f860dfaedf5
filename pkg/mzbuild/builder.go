package mzbuild

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
	"github.com/def-/materialize/pkg/runner"
)

// Builder shells out to the external container builder (docker build|pull|push)
// through a runner.CommandRunner, the same subprocess seam used throughout
// this package so tests never need a real container daemon.
type Builder struct {
	Runner runner.CommandRunner
}

// CheckBuilderInstalled verifies the external builder binary is reachable,
// surfacing a clear error before the first real invocation rather than a
// confusing exec failure mid-run.
func CheckBuilderInstalled() error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker executable not found in PATH: %w", err)
	}
	return nil
}

// Build invokes the external builder with the rewritten container build
// file as stdin, per spec: purge/run pre-images happens in ResolvedImage,
// this only assembles and runs the docker invocation itself.
func (b *Builder) Build(ctx context.Context, dockerfile []byte, contextPath, spec, goArch string, buildArgs map[string]string) error {
	args := []string{"build", "--platform=linux/" + goArch, "-t", spec, "-f", "-"}

	names := make([]string, 0, len(buildArgs))
	for k := range buildArgs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, buildArgs[k]))
	}
	args = append(args, contextPath)

	res, err := b.Runner.Run(ctx, runner.Opts{Stdin: bytes.NewReader(dockerfile), Stream: true}, "docker", args...)
	if err != nil {
		return mzerrors.Subprocess("docker build", res.ExitCode)
	}
	return nil
}

// Pull attempts a single pull of spec; callers wanting retry semantics wrap
// this with withRetryBudget.
func (b *Builder) Pull(ctx context.Context, spec string) error {
	res, err := b.Runner.Run(ctx, runner.Opts{}, "docker", "pull", spec)
	if err != nil {
		return mzerrors.Subprocess("docker pull", res.ExitCode)
	}
	return nil
}

// Push pushes spec, returning the first nonzero exit as a SubprocessError.
func (b *Builder) Push(ctx context.Context, spec string) error {
	res, err := b.Runner.Run(ctx, runner.Opts{Stream: true}, "docker", "push", spec)
	if err != nil {
		return mzerrors.Subprocess("docker push", res.ExitCode)
	}
	return nil
}
