package mzbuild

import (
	"context"
	"crypto/sha1" //nolint:gosec // see fingerprint.go
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/def-/materialize/pkg/logger"
	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
	"github.com/def-/materialize/pkg/mzbuild/registry"
	"github.com/def-/materialize/pkg/runner"
)

// ResolvedImage is an Image whose dependency names have been bound to
// their own ResolvedImage, forming a tree mirroring the DAG. Fingerprint
// is computed lazily and cached: the contract only requires the first
// computation to be authoritative.
type ResolvedImage struct {
	Image        *Image
	Dependencies map[string]*ResolvedImage
	Acquired     bool

	ws      *Workspace
	axes    BuildAxes
	builder *Builder

	fingerprint    *Fingerprint
	fingerprintErr error
}

// NewResolvedImage binds img to its already-resolved dependencies.
func NewResolvedImage(img *Image, deps map[string]*ResolvedImage, ws *Workspace, axes BuildAxes, builder *Builder) *ResolvedImage {
	return &ResolvedImage{Image: img, Dependencies: deps, ws: ws, axes: axes, builder: builder}
}

// Spec returns the fully qualified, fingerprint-tagged reference for this
// image: {registry}/{prefix}{name}:mzbuild-{base32(fingerprint)}.
func (r *ResolvedImage) Spec() (string, error) {
	fp, err := r.Fingerprint()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s%s:mzbuild-%s", r.axes.Registry, r.axes.Prefix, r.Image.Name, fp.String()), nil
}

// Fingerprint computes (on first call) and thereafter returns the cached
// 20-byte digest covering this image's own inputs, axes, pre-image extras,
// and every dependency's (name, fingerprint) pair in name-sorted order.
func (r *ResolvedImage) Fingerprint() (Fingerprint, error) {
	if r.fingerprint != nil {
		return *r.fingerprint, r.fingerprintErr
	}

	fp, err := r.computeFingerprint()
	r.fingerprint = &fp
	r.fingerprintErr = err
	return fp, err
}

func (r *ResolvedImage) computeFingerprint() (Fingerprint, error) {
	ctx := context.Background()

	h := sha1.New() //nolint:gosec

	var inputs []string
	inputSet := map[string]bool{}
	for _, pi := range r.Image.PreImages {
		piInputs, err := pi.Inputs(ctx, r.ws, r.axes)
		if err != nil {
			return Fingerprint{}, err
		}
		for _, p := range piInputs {
			if !inputSet[p] {
				inputSet[p] = true
				inputs = append(inputs, p)
			}
		}
	}
	ownInputs, err := r.ws.VCS.ExpandGlob(ctx, r.axes.RootPath, relPath(r.axes.RootPath, r.Image.Path), "*")
	if err != nil {
		return Fingerprint{}, err
	}
	if len(ownInputs) == 0 {
		return Fingerprint{}, mzerrors.AssertionViolation("fingerprint", fmt.Sprintf("%s: mzbuild.yml exists but no files are tracked for it", r.Image.Name))
	}
	for _, p := range ownInputs {
		rel := filepath.Join(relPath(r.axes.RootPath, r.Image.Path), p)
		if !inputSet[rel] {
			inputSet[rel] = true
			inputs = append(inputs, rel)
		}
	}

	sort.Strings(inputs)

	for _, rel := range inputs {
		abs := filepath.Join(r.axes.RootPath, rel)
		info, err := os.Lstat(abs)
		if err != nil {
			return Fingerprint{}, mzerrors.IoError(abs, err)
		}

		target := abs
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(abs)
			if err != nil {
				return Fingerprint{}, mzerrors.IoError(abs, err)
			}
			if !filepath.IsAbs(link) {
				link = filepath.Join(filepath.Dir(abs), link)
			}
			target = link
		}

		contentHash, err := hashFile(target)
		if err != nil {
			return Fingerprint{}, mzerrors.IoError(target, err)
		}

		mode := simplifiedMode(info)
		var modeBytes [2]byte
		binary.BigEndian.PutUint16(modeBytes[:], mode)

		h.Write(modeBytes[:])
		h.Write([]byte(rel))
		h.Write(contentHash[:])
		h.Write([]byte{0})
	}

	for _, pi := range r.Image.PreImages {
		h.Write([]byte(pi.Extra(r.axes)))
		h.Write([]byte{0})
	}

	h.Write([]byte(fmt.Sprintf("arch=%s", r.axes.Arch)))
	h.Write([]byte(fmt.Sprintf("coverage=%v", r.axes.Coverage)))
	h.Write([]byte(fmt.Sprintf("sanitizer=%s", r.axes.Sanitizer)))

	hDigest := h.Sum(nil)

	f := sha1.New() //nolint:gosec
	f.Write(hDigest)

	depNames := make([]string, 0, len(r.Dependencies))
	for name := range r.Dependencies {
		depNames = append(depNames, name)
	}
	sort.Strings(depNames)

	for _, name := range depNames {
		dep := r.Dependencies[name]
		depFP, err := dep.Fingerprint()
		if err != nil {
			return Fingerprint{}, err
		}
		f.Write([]byte(name))
		f.Write(depFP[:])
		f.Write([]byte{0})
	}

	var out Fingerprint
	copy(out[:], f.Sum(nil))
	return out, nil
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

// WriteDockerfile rewrites every MZFROM line in the image's container
// build file to FROM <dep.Spec()>, returning the rewritten bytes ready to
// hand the external builder as stdin.
func (r *ResolvedImage) WriteDockerfile() ([]byte, error) {
	dockerfilePath := filepath.Join(r.Image.Path, DockerfileName)
	return RewriteDockerfile(dockerfilePath, func(name string) (string, error) {
		dep, ok := r.Dependencies[name]
		if !ok {
			return "", mzerrors.GraphError(&mzerrors.UnknownDependency{Image: r.Image.Name, Dep: name})
		}
		return dep.Spec()
	})
}

// Build purges stale output under the image path, runs every pre-image
// action (given its batch prep value), then invokes the external builder.
// Precondition: every dependency has already been acquired and prepMap
// covers every pre-image this image declares.
func (r *ResolvedImage) Build(ctx context.Context, prepMap map[PreImage]any) error {
	if err := purgeImageOutputs(ctx, r.ws.Runner, r.Image.Path); err != nil {
		return err
	}

	for _, pi := range r.Image.PreImages {
		vr, ok := pi.(variantRunner)
		if !ok {
			return mzerrors.AssertionViolation("pre-image", fmt.Sprintf("%T does not implement run", pi))
		}
		if err := vr.run(ctx, r.ws, r.axes, r.Image.Path, prepMap[pi]); err != nil {
			return err
		}
	}

	dockerfile, err := r.WriteDockerfile()
	if err != nil {
		return err
	}

	spec, err := r.Spec()
	if err != nil {
		return err
	}

	buildArgs := map[string]string{}
	for k, v := range r.Image.BuildArgs {
		buildArgs[k] = v
	}
	buildArgs["ARCH_GCC"] = string(r.axes.Arch)
	buildArgs["ARCH_GO"] = r.axes.Arch.GoArch()

	logger.Infof("building %s", spec)
	if err := r.builder.Build(ctx, dockerfile, r.Image.Path, spec, r.axes.Arch.GoArch(), buildArgs); err != nil {
		return err
	}

	r.Acquired = true
	return nil
}

// purgeImageOutputs removes ignored, untracked output from prior pre-image
// runs under the image directory via `git clean -ffdX`, so every Build
// starts from a clean slate regardless of what a previous run's pre-image
// actions left behind.
func purgeImageOutputs(ctx context.Context, r runner.CommandRunner, imagePath string) error {
	res, err := r.Run(ctx, runner.Opts{}, "git", "clean", "-ffdX", imagePath)
	if err != nil {
		return mzerrors.Subprocess("git clean", res.ExitCode)
	}
	return nil
}

// TryPull attempts to pull this image's spec from the registry. When the CI
// environment variable is truthy, transient failures are retried within
// maxDuration; otherwise the pull is attempted exactly once. Idempotent: a
// no-op if already acquired.
func (r *ResolvedImage) TryPull(ctx context.Context, maxDuration time.Duration) bool {
	if r.Acquired {
		return true
	}
	if !envBool("CI") {
		maxDuration = 0
	}

	spec, err := r.Spec()
	if err != nil {
		return false
	}

	err = withRetryBudget(ctx, maxDuration, func(ctx context.Context) error {
		return r.builder.Pull(ctx, spec)
	})
	if err != nil {
		logger.Debugf("pull failed for %s: %v", spec, err)
		return false
	}

	r.Acquired = true
	return true
}

// IsPublishedIfNecessary is true iff publish is disabled for this image, or
// a remote existence check confirms the spec is already present.
func (r *ResolvedImage) IsPublishedIfNecessary(ctx context.Context) (bool, error) {
	if !r.Image.Publish {
		return true, nil
	}

	spec, err := r.Spec()
	if err != nil {
		return false, err
	}

	return registry.Exists(ctx, spec)
}

// CommandRunner exposes the underlying subprocess runner, mainly for tests
// that want to assert on the exact docker invocation.
func (r *ResolvedImage) CommandRunner() runner.CommandRunner {
	return r.ws.Runner
}
