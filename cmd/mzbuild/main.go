package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/def-/materialize/pkg/logger"
	"github.com/def-/materialize/pkg/mzbuild"
	"github.com/def-/materialize/pkg/runner"
)

var (
	flagArch      string
	flagRegistry  string
	flagPrefix    string
	flagRoot      string
	flagDev       bool
	flagPullBound time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mzbuild",
		Short: "Content-addressed build orchestrator for container images",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	root.PersistentFlags().StringVar(&flagRoot, "root", ".", "repository root to discover images under")
	root.PersistentFlags().StringVar(&flagArch, "arch", string(mzbuild.ArchAMD64), "target architecture (amd64|arm64)")
	root.PersistentFlags().StringVar(&flagRegistry, "registry", "materialize", "container registry")
	root.PersistentFlags().StringVar(&flagPrefix, "prefix", "", "image name prefix")
	root.PersistentFlags().BoolVar(&flagDev, "dev", false, "build debug binaries instead of release")
	root.PersistentFlags().DurationVar(&flagPullBound, "pull-timeout", 2*time.Minute, "max duration to spend retrying pulls (retries only happen when CI is set)")

	root.AddCommand(newListCmd())
	root.AddCommand(newBuildCmd())
	root.AddCommand(newPushCmd())

	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Discover images and print their names and fingerprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := mzbuild.DiscoverRepository(flagRoot)
			if err != nil {
				return err
			}

			names := repo.ImageNames()
			resolver := mzbuild.NewResolver(repo)
			order, err := resolver.Resolve(names)
			if err != nil {
				return err
			}

			ws := newWorkspace()
			axes := buildAxes()
			builder := &mzbuild.Builder{Runner: ws.Runner}

			resolved, err := resolveAll(order, repo, ws, axes, builder)
			if err != nil {
				return err
			}

			for _, name := range order {
				img := resolved[name]
				spec, err := img.Spec()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, spec) //nolint:errcheck
			}

			return nil
		},
	}
}

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build [images...]",
		Short: "Resolve and acquire (pull-or-build) the given images, or all if none given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAcquire(cmd.Context(), args)
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [images...]",
		Short: "Resolve and ensure (build+push) the given images, or all if none given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnsure(cmd.Context(), args)
		},
	}
}

func runAcquire(ctx context.Context, targets []string) error {
	repo, err := mzbuild.DiscoverRepository(flagRoot)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = repo.ImageNames()
	}

	resolver := mzbuild.NewResolver(repo)
	order, err := resolver.Resolve(targets)
	if err != nil {
		return err
	}

	ws := newWorkspace()
	axes := buildAxes()
	builder := &mzbuild.Builder{Runner: ws.Runner}

	resolved, err := resolveAll(order, repo, ws, axes, builder)
	if err != nil {
		return err
	}

	set := mzbuild.NewDependencySet(order, resolved)
	return set.Acquire(ctx, flagPullBound)
}

func runEnsure(ctx context.Context, targets []string) error {
	repo, err := mzbuild.DiscoverRepository(flagRoot)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = repo.ImageNames()
	}

	resolver := mzbuild.NewResolver(repo)
	order, err := resolver.Resolve(targets)
	if err != nil {
		return err
	}

	ws := newWorkspace()
	axes := buildAxes()
	builder := &mzbuild.Builder{Runner: ws.Runner}

	resolved, err := resolveAll(order, repo, ws, axes, builder)
	if err != nil {
		return err
	}

	set := mzbuild.NewDependencySet(order, resolved)
	return set.Ensure(ctx, func(img *mzbuild.ResolvedImage) error {
		spec, err := img.Spec()
		if err != nil {
			return err
		}
		logger.Infof("built %s", spec)
		return nil
	})
}

// resolveAll binds every name in order to a ResolvedImage, wiring each to
// its already-resolved dependencies (order guarantees they exist by the
// time we need them).
func resolveAll(order []string, repo *mzbuild.Repository, ws *mzbuild.Workspace, axes mzbuild.BuildAxes, builder *mzbuild.Builder) (map[string]*mzbuild.ResolvedImage, error) {
	resolved := make(map[string]*mzbuild.ResolvedImage, len(order))

	for _, name := range order {
		img := repo.Images[name]
		deps := make(map[string]*mzbuild.ResolvedImage, len(img.DependsOn))
		for _, depName := range img.DependsOn {
			deps[depName] = resolved[depName]
		}
		resolved[name] = mzbuild.NewResolvedImage(img, deps, ws, axes, builder)
	}

	return resolved, nil
}

func buildAxes() mzbuild.BuildAxes {
	arch := mzbuild.Arch(flagArch)
	return mzbuild.AxesFromEnv(flagRoot, arch, flagRegistry, flagPrefix, flagDev)
}

func newWorkspace() *mzbuild.Workspace {
	cmdRunner := &runner.DefaultCommandRunner{}
	vcs := &mzbuild.GitVCSAdapter{Runner: cmdRunner}
	cargo := &mzbuild.CargoMetadataProbe{Root: flagRoot, Runner: cmdRunner}

	if err := cargo.Load(context.Background(), vcs); err != nil {
		logger.Debugf("cargo metadata unavailable, native-build images will fail if used: %v", err)
	}

	return &mzbuild.Workspace{VCS: vcs, Cargo: cargo, Runner: cmdRunner}
}
