// Package pipeline runs user-registered transforms at fixed points of the
// tile path: over the whole dataset before selection, over the selected
// block before rendering, and over the rendered image before encoding.
// Each hook takes a value and returns the value the next step consumes, so
// a stage cannot skip the steps after it; transforms that want to bypass
// rendering belong in a handler, not here. An empty pipeline is the
// identity. Transform errors abort the request and surface unchanged.
package pipeline

import (
	"context"
	"fmt"

	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/render"
)

// Stage names the three hook points in execution order.
type Stage string

const (
	StagePreSelection  Stage = "pre_selection"
	StagePostSelection Stage = "post_selection"
	StagePostRender    Stage = "post_render"
)

// DatasetFunc transforms the full dataset before selection.
type DatasetFunc func(ctx context.Context, ds dataset.Dataset) (dataset.Dataset, error)

// ArrayFunc transforms the selected block before rendering.
type ArrayFunc func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error)

// ImageFunc transforms the rendered image before encoding.
type ImageFunc func(ctx context.Context, im *render.Image) (*render.Image, error)

// Transform is one named hook bound to a stage. Build values with
// PreSelection, PostSelection or PostRender.
type Transform struct {
	name  string
	stage Stage
	ds    DatasetFunc
	arr   ArrayFunc
	img   ImageFunc
}

// PreSelection binds fn to run over the dataset before selection.
func PreSelection(name string, fn DatasetFunc) Transform {
	return Transform{name: name, stage: StagePreSelection, ds: fn}
}

// PostSelection binds fn to run over the selected block.
func PostSelection(name string, fn ArrayFunc) Transform {
	return Transform{name: name, stage: StagePostSelection, arr: fn}
}

// PostRender binds fn to run over the rendered image.
func PostRender(name string, fn ImageFunc) Transform {
	return Transform{name: name, stage: StagePostRender, img: fn}
}

// Name returns the transform's registered name.
func (t Transform) Name() string { return t.name }

// Stage returns the hook point the transform runs at.
func (t Transform) Stage() Stage { return t.stage }

// Pipeline holds the registered transforms per stage, in registration
// order. The zero or nil Pipeline is the identity.
type Pipeline struct {
	pre   []Transform
	post  []Transform
	image []Transform
	names []string
}

// New validates and assembles a pipeline. Names must be non-empty and
// unique across all stages so a registered transform can be identified
// unambiguously.
func New(transforms ...Transform) (*Pipeline, error) {
	p := &Pipeline{}
	seen := make(map[string]Stage, len(transforms))
	for _, t := range transforms {
		if t.name == "" {
			return nil, fmt.Errorf("transform at stage %q has no name", t.stage)
		}
		if prev, ok := seen[t.name]; ok {
			return nil, fmt.Errorf("duplicate transform name %q (stages %q and %q)", t.name, prev, t.stage)
		}
		seen[t.name] = t.stage
		switch t.stage {
		case StagePreSelection:
			if t.ds == nil {
				return nil, fmt.Errorf("transform %q has no function", t.name)
			}
			p.pre = append(p.pre, t)
		case StagePostSelection:
			if t.arr == nil {
				return nil, fmt.Errorf("transform %q has no function", t.name)
			}
			p.post = append(p.post, t)
		case StagePostRender:
			if t.img == nil {
				return nil, fmt.Errorf("transform %q has no function", t.name)
			}
			p.image = append(p.image, t)
		default:
			return nil, fmt.Errorf("transform %q has unknown stage %q", t.name, t.stage)
		}
		p.names = append(p.names, string(t.stage)+":"+t.name)
	}
	return p, nil
}

// Names lists the registered transforms as stage:name in registration
// order, part of the cached-output identity of a service.
func (p *Pipeline) Names() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.names...)
}

// ApplyPreSelection runs the pre-selection transforms in order.
func (p *Pipeline) ApplyPreSelection(ctx context.Context, ds dataset.Dataset) (dataset.Dataset, error) {
	if p == nil {
		return ds, nil
	}
	for _, t := range p.pre {
		out, err := t.ds(ctx, ds)
		if err != nil {
			return nil, err
		}
		ds = out
	}
	return ds, nil
}

// ApplyPostSelection runs the post-selection transforms in order.
func (p *Pipeline) ApplyPostSelection(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
	if p == nil {
		return arr, nil
	}
	for _, t := range p.post {
		out, err := t.arr(ctx, arr)
		if err != nil {
			return nil, err
		}
		arr = out
	}
	return arr, nil
}

// ApplyPostRender runs the post-render transforms in order.
func (p *Pipeline) ApplyPostRender(ctx context.Context, im *render.Image) (*render.Image, error) {
	if p == nil {
		return im, nil
	}
	for _, t := range p.image {
		out, err := t.img(ctx, im)
		if err != nil {
			return nil, err
		}
		im = out
	}
	return im, nil
}
