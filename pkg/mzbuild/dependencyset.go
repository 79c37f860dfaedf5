package mzbuild

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/def-/materialize/pkg/logger"
)

// DependencySet is the topologically ordered collection of ResolvedImages
// produced by binding a Resolver's name order to actual ResolvedImage
// instances. Iteration order is always the topological order computed at
// construction time.
type DependencySet struct {
	order  []string
	images map[string]*ResolvedImage
}

// NewDependencySet binds order (a topological order of names) to images
// (every name in order must have an entry).
func NewDependencySet(order []string, images map[string]*ResolvedImage) *DependencySet {
	return &DependencySet{order: order, images: images}
}

// Images returns the resolved images in topological order.
func (d *DependencySet) Images() []*ResolvedImage {
	out := make([]*ResolvedImage, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.images[name])
	}
	return out
}

// Acquire pulls every image it can within maxDuration and builds the rest,
// in topological order. Pre-image batch preparation runs exactly once,
// after the pull pass, across every image that still needs building —
// native compilation is expensive and must not be duplicated across images
// that share the same toolchain invocation.
func (d *DependencySet) Acquire(ctx context.Context, maxDuration time.Duration) error {
	var toBuild []*ResolvedImage

	for _, name := range d.order {
		img := d.images[name]
		if !img.TryPull(ctx, maxDuration) {
			toBuild = append(toBuild, img)
		}
	}

	if len(toBuild) == 0 {
		return nil
	}

	prepMap, err := d.prepareBatchPerVariant(ctx, toBuild)
	if err != nil {
		return err
	}

	for _, img := range toBuild {
		if err := img.Build(ctx, prepMap); err != nil {
			return err
		}
	}

	return nil
}

// Ensure is like Acquire, but the predicate for "needs building" is
// IsPublishedIfNecessary rather than TryPull. Every local build invokes
// postBuild if supplied, and every built publishable image is pushed in
// parallel at the end; the first nonzero exit fails the whole call.
func (d *DependencySet) Ensure(ctx context.Context, postBuild func(img *ResolvedImage) error) error {
	var toBuild []*ResolvedImage

	for _, name := range d.order {
		img := d.images[name]
		published, err := img.IsPublishedIfNecessary(ctx)
		if err != nil {
			return err
		}
		if !published {
			toBuild = append(toBuild, img)
		}
	}

	if len(toBuild) == 0 {
		return nil
	}

	prepMap, err := d.prepareBatchPerVariant(ctx, toBuild)
	if err != nil {
		return err
	}

	var toPush []*ResolvedImage
	for _, img := range toBuild {
		if err := img.Build(ctx, prepMap); err != nil {
			return err
		}
		if postBuild != nil {
			if err := postBuild(img); err != nil {
				return err
			}
		}
		if img.Image.Publish {
			toPush = append(toPush, img)
		}
	}

	return d.pushAll(ctx, toPush)
}

// pushAll launches a push for every image in toPush in parallel, waits for
// all, and surfaces the first nonzero exit. Completion order is not
// observable; only the first error matters.
func (d *DependencySet) pushAll(ctx context.Context, toPush []*ResolvedImage) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, img := range toPush {
		img := img
		g.Go(func() error {
			spec, err := img.Spec()
			if err != nil {
				return err
			}
			logger.Infof("pushing %s", spec)
			return img.builder.Push(gctx, spec)
		})
	}

	return g.Wait()
}

// prepareBatchPerVariant groups every pre-image action across every image
// in toBuild by variant and runs each variant's batch-prepare exactly once
// with the full cross-image list.
func (d *DependencySet) prepareBatchPerVariant(ctx context.Context, toBuild []*ResolvedImage) (map[PreImage]any, error) {
	if len(toBuild) == 0 {
		return map[PreImage]any{}, nil
	}

	var allPreImages []PreImage
	for _, img := range toBuild {
		allPreImages = append(allPreImages, img.Image.PreImages...)
	}
	if len(allPreImages) == 0 {
		return map[PreImage]any{}, nil
	}

	ws := toBuild[0].ws
	axes := toBuild[0].axes
	return prepareBatches(ctx, ws, axes, allPreImages)
}
