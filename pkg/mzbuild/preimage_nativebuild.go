package mzbuild

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
	"github.com/def-/materialize/pkg/runner"
)

// NativeBuild compiles native binaries and examples with the cross
// toolchain, then post-processes the produced artifacts. It is the one
// PreImage variant that batches across an entire wave: compiling once for
// every image that needs a binary from the same workspace is both
// necessary (the target directory is a single shared build cache) and a
// large cost saving over one compiler invocation per image.
type NativeBuild struct {
	Bins     []string
	Examples []string
	Strip    bool
	Extract  map[string]map[string]string // package name -> (out_dir-relative src -> image-relative dst)
}

var (
	_ PreImage      = (*NativeBuild)(nil)
	_ batchPreparer = (*NativeBuild)(nil)
	_ variantRunner = (*NativeBuild)(nil)
)

func (n *NativeBuild) variantKey() string { return "native-build" }

// toolchainInputs are the fixed, axis-independent files every NativeBuild
// instance depends on regardless of which bins/examples it names.
var toolchainInputs = []string{
	"Cargo.toml",
	"Cargo.lock",
	"ci/builder/Dockerfile",
	"ci/builder/build-requirements.txt",
	".config/cargo.toml",
}

func (n *NativeBuild) Inputs(ctx context.Context, ws *Workspace, axes BuildAxes) ([]string, error) {
	seen := map[string]bool{}
	inputs := append([]string{}, toolchainInputs...)
	for _, p := range inputs {
		seen[p] = true
	}

	add := func(extra []string) {
		for _, p := range extra {
			if !seen[p] {
				seen[p] = true
				inputs = append(inputs, p)
			}
		}
	}

	for _, bin := range n.Bins {
		pkg, err := ws.Cargo.PackageForBin(bin)
		if err != nil {
			return nil, mzerrors.ConfigErrorf("native-build", bin, "resolving binary owner: %v", err)
		}
		closure, err := TransitiveInputs(ws.Cargo, pkg, false)
		if err != nil {
			return nil, err
		}
		add(closure)
	}

	for _, ex := range n.Examples {
		pkg, err := ws.Cargo.PackageForExample(ex)
		if err != nil {
			return nil, mzerrors.ConfigErrorf("native-build", ex, "resolving example owner: %v", err)
		}
		closure, err := TransitiveInputs(ws.Cargo, pkg, true)
		if err != nil {
			return nil, err
		}
		add(closure)
	}

	sort.Strings(inputs)
	return inputs, nil
}

// Extra returns the sorted, comma-joined axis tags active for this build:
// "release", "coverage", and the sanitizer name if set. Two otherwise
// identical NativeBuild actions built under different axes must never
// collide, even though Inputs() is axis-independent.
func (n *NativeBuild) Extra(axes BuildAxes) string {
	return axes.axisTags()
}

// nativeBuildPrep is the value every NativeBuild instance in a wave
// receives back from prepareBatch: the captured JSON build messages and
// the axes the build ran under.
type nativeBuildPrep struct {
	messages []buildMessage
	axes     BuildAxes
}

type buildMessage struct {
	Reason    string `json:"reason"`
	PackageID string `json:"package_id"`
	OutDir    string `json:"out_dir"`
}

func (n *NativeBuild) prepareBatch(ctx context.Context, ws *Workspace, axes BuildAxes, all []PreImage) (any, error) {
	var bins, examples []string
	binSeen, exSeen := map[string]bool{}, map[string]bool{}
	for _, pi := range all {
		nb := pi.(*NativeBuild)
		for _, b := range nb.Bins {
			if !binSeen[b] {
				binSeen[b] = true
				bins = append(bins, b)
			}
		}
		for _, e := range nb.Examples {
			if !exSeen[e] {
				exSeen[e] = true
				examples = append(examples, e)
			}
		}
	}
	sort.Strings(bins)
	sort.Strings(examples)

	packages, err := ownerPackageNames(ws.Cargo, bins, examples)
	if err != nil {
		return nil, err
	}

	args, env := buildInvocation(axes, bins, examples, packages)

	cr := &cargoRunner{runner: ws.Runner, root: axes.RootPath, env: env}

	if _, err := cr.run(ctx, args, false); err != nil {
		return nil, err
	}

	msgOut, err := cr.run(ctx, append(args, "--message-format=json"), true)
	if err != nil {
		return nil, err
	}

	messages, err := parseBuildMessages(msgOut)
	if err != nil {
		return nil, err
	}

	return &nativeBuildPrep{messages: messages, axes: axes}, nil
}

type cargoRunner struct {
	runner runner.CommandRunner
	root   string
	env    []string
}

func (c *cargoRunner) run(ctx context.Context, args []string, capture bool) (string, error) {
	res, err := c.runner.Run(ctx, runner.Opts{Dir: c.root, Env: c.env, Stream: !capture}, "cargo", args...)
	if err != nil {
		return "", mzerrors.Subprocess("cargo "+strings.Join(args, " "), res.ExitCode)
	}
	return res.Stdout, nil
}

// buildInvocation synthesizes the `cargo build` argument list and
// environment overlay, following the axis-driven flag rules.
func buildInvocation(axes BuildAxes, bins, examples, packages []string) ([]string, []string) {
	args := []string{"build"}

	switch {
	case axes.Coverage:
		args = append(args, "--config", "build.rustflags=[\"-C\", \"instrument-coverage\"]")
	case axes.Sanitizer != SanitizerNone:
		args = append(args, "-Zbuild-std", "--target", axes.Arch.TargetTriple())
	default:
		args = append(args, "--config", "profile.release.codegen-units=16")
	}

	var env []string
	if axes.Sanitizer != SanitizerNone {
		triple := axes.Arch.TargetTriple()
		toolchainRoot := filepath.Join("/opt/cross", triple)
		sysroot := filepath.Join(toolchainRoot, "sysroot")
		libPath := filepath.Join(sysroot, "lib")
		sanitizerFlags := fmt.Sprintf("-fsanitize=%s", axes.Sanitizer)

		cflags := strings.Join([]string{
			"--target=" + triple,
			"--sysroot=" + sysroot,
			"-L" + libPath,
			sanitizerFlags,
		}, " ")

		env = append(env,
			"CC="+filepath.Join(toolchainRoot, "bin", "clang"),
			"CXX="+filepath.Join(toolchainRoot, "bin", "clang++"),
			"CPP="+filepath.Join(toolchainRoot, "bin", "clang-cpp"),
			"CFLAGS="+cflags,
			"CXXFLAGS="+cflags,
			fmt.Sprintf("CARGO_TARGET_%s_LINKER=%s", strings.ToUpper(strings.ReplaceAll(triple, "-", "_")), filepath.Join(toolchainRoot, "bin", "clang")),
			"PATH="+strings.Join([]string{
				"/opt/sanitizer-shim",
				filepath.Join(toolchainRoot, "bin"),
				os.Getenv("PATH"),
			}, string(os.PathListSeparator)),
		)
	}

	for _, b := range bins {
		args = append(args, "--bin", b)
	}
	for _, e := range examples {
		args = append(args, "--example", e)
	}
	for _, p := range packages {
		args = append(args, "--package", p)
	}

	if axes.ReleaseMode {
		args = append(args, "--release")
	}
	if axes.Sanitizer != SanitizerNone {
		args = append(args, "--no-default-features")
		jobs := int(math.Ceil(2 * float64(runtime.NumCPU()) / 3))
		args = append(args, "--jobs", fmt.Sprintf("%d", jobs))
	}

	return args, env
}

func parseBuildMessages(output string) ([]buildMessage, error) {
	var messages []buildMessage
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var msg buildMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning build messages: %w", err)
	}
	return messages, nil
}

// cargoTargetDir is the one true location of cargo's build output,
// uniformly <root>/target-xcompile/<triple> regardless of sanitizer or
// coverage axis, matching the original's cargo_target_dir().
func cargoTargetDir(axes BuildAxes) string {
	return filepath.Join(axes.RootPath, "target-xcompile", axes.Arch.TargetTriple())
}

// rewriteBuilderPath maps an in-builder path under /mnt/build/<triple> to
// its on-host equivalent under <root>/target-xcompile/<triple>, and vice
// versa. Paths outside that prefix are returned unchanged.
func rewriteBuilderPath(root, triple, path string) string {
	builderPrefix := filepath.Join("/mnt/build", triple)
	hostPrefix := filepath.Join(root, "target-xcompile", triple)

	if rest, ok := strings.CutPrefix(path, builderPrefix); ok {
		return hostPrefix + rest
	}
	if rest, ok := strings.CutPrefix(path, hostPrefix); ok {
		return builderPrefix + rest
	}
	return path
}

// parseExtractPackageName extracts a Cargo package name from a build
// message's package_id field, which comes in two historical forms.
func parseExtractPackageName(packageID string) string {
	if idx := strings.Index(packageID, "@"); idx != -1 {
		before := packageID[:idx]
		if hashIdx := strings.LastIndex(before, "#"); hashIdx != -1 {
			return before[hashIdx+1:]
		}
		after := packageID[idx+1:]
		if hashIdx := strings.LastIndex(after, "#"); hashIdx != -1 {
			return after[:hashIdx]
		}
		return before
	}

	fields := strings.SplitN(packageID, "#", 2)
	first := fields[0]
	return filepath.Base(first)
}

func (n *NativeBuild) run(ctx context.Context, ws *Workspace, axes BuildAxes, imagePath string, prep any) error {
	p, ok := prep.(*nativeBuildPrep)
	if !ok || p == nil {
		return mzerrors.AssertionViolation("native-build", "run called without a prepared batch")
	}

	profile := "debug"
	if axes.ReleaseMode {
		profile = "release"
	}
	profileDir := filepath.Join(cargoTargetDir(axes), profile)

	names := append(append([]string{}, n.Bins...), n.Examples...)
	for _, name := range names {
		src := filepath.Join(profileDir, name)
		dst := filepath.Join(imagePath, name)
		if err := copyFile(src, dst); err != nil {
			return mzerrors.IoError(src, err)
		}
		if err := n.postProcess(ctx, ws, axes, dst); err != nil {
			return err
		}
	}

	return n.processExtract(ctx, axes, imagePath, p.messages)
}

func (n *NativeBuild) postProcess(ctx context.Context, ws *Workspace, axes BuildAxes, artifact string) error {
	toolchainRoot := filepath.Join("/opt/cross", axes.Arch.TargetTriple(), "bin")
	r := ws.Runner

	if n.Strip {
		res, err := r.Run(ctx, runner.Opts{}, filepath.Join(toolchainRoot, "strip"), "--strip-debug", artifact)
		if err != nil {
			return mzerrors.Subprocess("strip", res.ExitCode)
		}
		return nil
	}

	res, err := r.Run(ctx, runner.Opts{}, filepath.Join(toolchainRoot, "objcopy"),
		"--remove-section=.debug_pubnames", "--remove-section=.debug_pubtypes", artifact)
	if err != nil {
		return mzerrors.Subprocess("objcopy", res.ExitCode)
	}
	return nil
}

func (n *NativeBuild) processExtract(ctx context.Context, axes BuildAxes, imagePath string, messages []buildMessage) error {
	if len(n.Extract) == 0 {
		return nil
	}

	triple := axes.Arch.TargetTriple()
	targetDir := cargoTargetDir(axes)

	for _, msg := range messages {
		if msg.Reason != "build-script-executed" {
			continue
		}

		outDir := rewriteBuilderPath(axes.RootPath, triple, msg.OutDir)
		rel, err := filepath.Rel(targetDir, outDir)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}

		pkg := parseExtractPackageName(msg.PackageID)
		mapping, ok := n.Extract[pkg]
		if !ok {
			continue
		}

		for src, dst := range mapping {
			if err := copyTree(filepath.Join(outDir, src), filepath.Join(imagePath, dst)); err != nil {
				return mzerrors.IoError(filepath.Join(outDir, src), err)
			}
		}
	}

	return nil
}

// copyTree recursively copies src (file or directory) to dst.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
