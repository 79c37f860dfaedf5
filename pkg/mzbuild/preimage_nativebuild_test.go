package mzbuild

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/def-/materialize/pkg/runner"
)

func TestRewriteBuilderPath_RoundTrips(t *testing.T) {
	root := "/home/dev/materialize"
	triple := "x86_64-unknown-linux-gnu"

	builderPath := "/mnt/build/x86_64-unknown-linux-gnu/release/widget"
	host := rewriteBuilderPath(root, triple, builderPath)
	assert.Equal(t, filepath.Join(root, "target-xcompile", triple, "release/widget"), host)

	back := rewriteBuilderPath(root, triple, host)
	assert.Equal(t, builderPath, back)
}

func TestRewriteBuilderPath_UnrelatedPathUnchanged(t *testing.T) {
	got := rewriteBuilderPath("/root", "x86_64-unknown-linux-gnu", "/some/other/path")
	assert.Equal(t, "/some/other/path", got)
}

// S6: package_id parsing across both historical forms.
func TestParseExtractPackageName_RegistryForm(t *testing.T) {
	name := parseExtractPackageName("registry+https://github.com/rust-lang/crates.io-index#widget@1.2.3")
	assert.Equal(t, "widget", name)
}

func TestParseExtractPackageName_PathForm(t *testing.T) {
	name := parseExtractPackageName("path+file:///home/dev/materialize/src/widget#1.2.3")
	assert.Equal(t, "widget", name)
}

func TestNativeBuild_ExtraVariesByAxis(t *testing.T) {
	n := &NativeBuild{Bins: []string{"widget"}}
	a := testAxes("/root")
	b := testAxes("/root")
	b.Coverage = true
	assert.NotEqual(t, n.Extra(a), n.Extra(b))
}

func TestNativeBuild_InputsIncludesToolchainAndTransitiveClosure(t *testing.T) {
	root := t.TempDir()
	probe := newFakeWorkspaceProbe()
	probe.addPackage(&WorkspacePackage{Name: "widget", Inputs: []string{"src/widget/main.rs"}, PathDeps: []string{"common"}})
	probe.addPackage(&WorkspacePackage{Name: "common", Inputs: []string{"src/common/lib.rs"}})
	probe.bins["widget"] = "widget"

	ws := &Workspace{VCS: fakeVCS{}, Cargo: probe}
	n := &NativeBuild{Bins: []string{"widget"}}

	inputs, err := n.Inputs(context.Background(), ws, testAxes(root))
	require.NoError(t, err)
	assert.Contains(t, inputs, "Cargo.toml")
	assert.Contains(t, inputs, "src/widget/main.rs")
	assert.Contains(t, inputs, "src/common/lib.rs")
}

func TestNativeBuild_PrepareBatchUnionsBinsAcrossWave(t *testing.T) {
	root := t.TempDir()
	probe := newFakeWorkspaceProbe()
	probe.addPackage(&WorkspacePackage{Name: "widget", Inputs: []string{"src/widget/main.rs"}})
	probe.addPackage(&WorkspacePackage{Name: "gadget", Inputs: []string{"src/gadget/main.rs"}})
	probe.bins["widget"] = "widget"
	probe.bins["gadget"] = "gadget"

	fake := &runner.FakeCommandRunner{
		DefaultResult: runner.Result{ExitCode: 0, Stdout: ""},
	}
	ws := &Workspace{VCS: fakeVCS{}, Cargo: probe, Runner: fake}

	a := &NativeBuild{Bins: []string{"widget"}}
	b := &NativeBuild{Bins: []string{"gadget"}}

	prep, err := a.prepareBatch(context.Background(), ws, testAxes(root), []PreImage{a, b})
	require.NoError(t, err)
	require.NotNil(t, prep)

	require.Len(t, fake.Calls, 2)
	assert.Contains(t, fake.Calls[0].Args, "widget")
	assert.Contains(t, fake.Calls[0].Args, "gadget")
}

func TestNativeBuild_Run_CopiesAndStripsArtifact(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, writeExecutable(root, filepath.Join("target-xcompile", ArchAMD64.TargetTriple(), "debug/widget"), "binary-bytes"))

	fake := &runner.FakeCommandRunner{}
	ws := &Workspace{VCS: fakeVCS{}, Runner: fake}

	n := &NativeBuild{Bins: []string{"widget"}, Strip: true}
	imagePath := filepath.Join(root, "image")

	err := n.run(context.Background(), ws, testAxes(root), imagePath, &nativeBuildPrep{})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(imagePath, "widget"))
	require.NoError(t, err)
	assert.Equal(t, "binary-bytes", string(got))

	require.Len(t, fake.Calls, 1)
	assert.Contains(t, fake.Calls[0].Name, "strip")
}

func TestNativeBuild_Run_RequiresPreparedBatch(t *testing.T) {
	n := &NativeBuild{Bins: []string{"widget"}}
	ws := &Workspace{VCS: fakeVCS{}, Runner: &runner.FakeCommandRunner{}}
	err := n.run(context.Background(), ws, testAxes(t.TempDir()), t.TempDir(), nil)
	require.Error(t, err)
}

func TestParseBuildMessages_SkipsNonJSONLines(t *testing.T) {
	output := "Compiling widget v0.1.0\n{\"reason\":\"build-script-executed\",\"package_id\":\"path+file:///x#widget@0.1.0\",\"out_dir\":\"/mnt/build/t/debug/build/widget-abc/out\"}\nwarning: unused import\n"
	msgs, err := parseBuildMessages(output)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "build-script-executed", msgs[0].Reason)
}
