package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/render"
)

func addValue(name string, delta float64) Transform {
	return PostSelection(name, func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
		out := arr.Clone()
		for i := range out.Data {
			out.Data[i] += delta
		}
		return out, nil
	})
}

func scaleValue(name string, factor float64) Transform {
	return PostSelection(name, func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
		out := arr.Clone()
		for i := range out.Data {
			out.Data[i] *= factor
		}
		return out, nil
	})
}

func testBlock() *dataset.Array {
	return &dataset.Array{
		Name: "v", Dims: []string{"x"}, Shape: []int{3}, Dtype: "<f8", Data: []float64{1, 2, 3},
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(PostSelection("", nil)); err == nil || !strings.Contains(err.Error(), "has no name") {
		t.Errorf("expected unnamed-transform error, got %v", err)
	}
	if _, err := New(PostSelection("offset", nil)); err == nil || !strings.Contains(err.Error(), "has no function") {
		t.Errorf("expected missing-function error, got %v", err)
	}
	_, err := New(
		addValue("offset", 1),
		PostRender("offset", func(ctx context.Context, im *render.Image) (*render.Image, error) {
			return im, nil
		}),
	)
	if err == nil || !strings.Contains(err.Error(), `duplicate transform name "offset"`) {
		t.Errorf("names must be unique across stages, got %v", err)
	}
	if _, err := New(Transform{name: "rogue", stage: Stage("mid_render")}); err == nil ||
		!strings.Contains(err.Error(), "unknown stage") {
		t.Errorf("expected unknown-stage error, got %v", err)
	}
}

func TestEmptyPipelineIsIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	arr := testBlock()
	for _, p := range []*Pipeline{nil, mustNew(t)} {
		out, err := p.ApplyPostSelection(ctx, arr)
		if err != nil {
			t.Fatal(err)
		}
		if out != arr {
			t.Error("empty pipeline should pass the block through untouched")
		}
		im := render.NewImage(1, 1)
		gotIm, err := p.ApplyPostRender(ctx, im)
		if err != nil {
			t.Fatal(err)
		}
		if gotIm != im {
			t.Error("empty pipeline should pass the image through untouched")
		}
		if names := p.Names(); len(names) != 0 {
			t.Errorf("empty pipeline should have no names, got %v", names)
		}
	}
}

func mustNew(t *testing.T, transforms ...Transform) *Pipeline {
	t.Helper()

	p, err := New(transforms...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestApplyPostSelectionOrder(t *testing.T) {
	t.Parallel()

	// (v + 1) * 2 and (v * 2) + 1 differ, so order is observable.
	p := mustNew(t, addValue("offset", 1), scaleValue("scale", 2))
	out, err := p.ApplyPostSelection(context.Background(), testBlock())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.Data, []float64{4, 6, 8}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	reversed := mustNew(t, scaleValue("scale", 2), addValue("offset", 1))
	out, err = reversed.ApplyPostSelection(context.Background(), testBlock())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.Data, []float64{3, 5, 7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestApplyPreSelectionReplacesDataset(t *testing.T) {
	t.Parallel()

	orig, err := dataset.NewMemory("orig", nil)
	if err != nil {
		t.Fatal(err)
	}
	swapped, err := dataset.NewMemory("swapped", nil)
	if err != nil {
		t.Fatal(err)
	}
	p := mustNew(t, PreSelection("swap", func(ctx context.Context, ds dataset.Dataset) (dataset.Dataset, error) {
		return swapped, nil
	}))
	out, err := p.ApplyPreSelection(context.Background(), orig)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID() != "swapped" {
		t.Errorf("expected the replacement dataset, got %q", out.ID())
	}
}

func TestTransformErrorPropagates(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad block")
	p := mustNew(t,
		addValue("offset", 1),
		PostSelection("fail", func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
			return nil, sentinel
		}),
		scaleValue("never", 100),
	)
	_, err := p.ApplyPostSelection(context.Background(), testBlock())
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the transform's error unchanged, got %v", err)
	}
}

func TestNamesCarryStageAndOrder(t *testing.T) {
	t.Parallel()

	p := mustNew(t,
		PostRender("border", func(ctx context.Context, im *render.Image) (*render.Image, error) {
			return im, nil
		}),
		addValue("offset", 1),
		PreSelection("subset", func(ctx context.Context, ds dataset.Dataset) (dataset.Dataset, error) {
			return ds, nil
		}),
	)
	want := []string{"post_render:border", "post_selection:offset", "pre_selection:subset"}
	if got := p.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStageAccessors(t *testing.T) {
	t.Parallel()

	tr := addValue("offset", 1)
	if tr.Name() != "offset" {
		t.Errorf("expected name offset, got %q", tr.Name())
	}
	if tr.Stage() != StagePostSelection {
		t.Errorf("expected stage %q, got %q", StagePostSelection, tr.Stage())
	}
}
