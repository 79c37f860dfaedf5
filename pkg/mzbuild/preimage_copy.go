package mzbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
)

// Copy is the generic file-copy pre-image: it copies every tracked file
// under root/source matching a glob into image_path/destination.
type Copy struct {
	Source      string
	Destination string
	Matching    string // defaults to "*", recursive, per spec §6/§9
}

var (
	_ PreImage      = (*Copy)(nil)
	_ variantRunner = (*Copy)(nil)
)

func (c *Copy) variantKey() string { return "copy" }

// Extra folds Source, Destination, and Matching into the fingerprint. This
// resolves the open question flagged in spec §9: without it, two Copy
// actions sharing Source/Matching (and therefore Inputs) but writing to
// different Destinations would fingerprint identically even though the
// image's resulting file layout differs. See DESIGN.md for the decision.
func (c *Copy) Extra(BuildAxes) string {
	return c.Source + "|" + c.Destination + "|" + c.Matching
}

// Inputs returns paths relative to the workspace root, per the PreImage
// contract: c.Source joined onto each match under it, not the match alone.
func (c *Copy) Inputs(ctx context.Context, ws *Workspace, axes BuildAxes) ([]string, error) {
	matching := c.Matching
	if matching == "" {
		matching = "*"
	}
	matched, err := ws.VCS.ExpandGlob(ctx, axes.RootPath, c.Source, matching)
	if err != nil {
		return nil, err
	}

	inputs := make([]string, len(matched))
	for i, rel := range matched {
		inputs[i] = filepath.Join(c.Source, rel)
	}
	return inputs, nil
}

func (c *Copy) run(ctx context.Context, ws *Workspace, axes BuildAxes, imagePath string, _ any) error {
	matched, err := c.Inputs(ctx, ws, axes)
	if err != nil {
		return err
	}

	dstRoot := filepath.Join(imagePath, c.Destination)

	for _, rel := range matched {
		relToSource, err := filepath.Rel(c.Source, rel)
		if err != nil {
			return mzerrors.IoError(rel, err)
		}
		src := filepath.Join(axes.RootPath, rel)
		dst := filepath.Join(dstRoot, relToSource)
		if err := copyFile(src, dst); err != nil {
			return mzerrors.IoError(src, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}
