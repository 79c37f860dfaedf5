package mzbuild

import "context"

// PreImage is a host-workspace action performed before the container build
// starts, producing files the container build will read. Two variants exist
// (Copy, NativeBuild); both satisfy this interface, and batching is scoped
// per concrete variant type (see prepareBatches).
type PreImage interface {
	// Inputs returns the paths (relative to the workspace root) that feed
	// this action's contribution to the owning image's fingerprint.
	Inputs(ctx context.Context, ws *Workspace, axes BuildAxes) ([]string, error)

	// Extra returns additional fingerprint material beyond the input file
	// set itself — e.g. NativeBuild's active axis tags. Takes axes because
	// that material can be axis-dependent even when Inputs() is not.
	Extra(axes BuildAxes) string

	// variantKey groups PreImages of the same kind for batched preparation;
	// same type -> same key.
	variantKey() string
}

// batchPreparer is implemented by PreImage variants that need a single
// shared preparation step across every instance scheduled in a wave (see
// spec §4.7's "batching after pulling" rationale). Copy has nothing to
// batch and does not implement this interface.
type batchPreparer interface {
	// prepareBatch runs once per variant per wave, given every instance of
	// that variant across all images being built. It returns an opaque
	// value handed back to each instance's run().
	prepareBatch(ctx context.Context, ws *Workspace, axes BuildAxes, all []PreImage) (any, error)
}

// variantRunner is implemented by every PreImage variant: it materializes
// the action's output files into the image's directory, given the batch's
// shared preparation value (nil for variants with no batchPreparer).
type variantRunner interface {
	run(ctx context.Context, ws *Workspace, axes BuildAxes, imagePath string, prep any) error
}

// prepareBatches groups pre-images by variant and runs each variant's
// batch-prepare exactly once, returning a map from PreImage identity to its
// prep value. Variants without a batchPreparer get a nil prep value.
func prepareBatches(ctx context.Context, ws *Workspace, axes BuildAxes, images []PreImage) (map[PreImage]any, error) {
	byVariant := make(map[string][]PreImage)
	for _, pi := range images {
		key := pi.variantKey()
		byVariant[key] = append(byVariant[key], pi)
	}

	prepMap := make(map[PreImage]any, len(images))
	for _, group := range byVariant {
		bp, ok := group[0].(batchPreparer)
		if !ok {
			for _, pi := range group {
				prepMap[pi] = nil
			}
			continue
		}

		prep, err := bp.prepareBatch(ctx, ws, axes, group)
		if err != nil {
			return nil, err
		}
		for _, pi := range group {
			prepMap[pi] = prep
		}
	}

	return prepMap, nil
}
