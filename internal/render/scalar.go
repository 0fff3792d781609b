package render

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/pkg/colormap"
)

// ScalarColormapRenderer maps each block value through a normalization
// and a color ramp, one value per pixel. With nearest interpolation the
// block is first resampled to the canvas size; otherwise the block must
// already match the canvas. NaN values render transparent.
type ScalarColormapRenderer struct {
	width    int
	height   int
	resize   bool
	norm     string
	params   map[string]Param
	ramp     colormap.Colormap
	overlay  bool
	describe string
}

// NewScalarColormap validates the scalar option set and builds the
// renderer.
func NewScalarColormap(cfg Config) (*ScalarColormapRenderer, error) {
	w, h, err := cfg.canvas()
	if err != nil {
		return nil, err
	}
	switch cfg.Interpolation {
	case "", "nearest":
	default:
		return nil, fmt.Errorf("scalar backend: unknown interpolation %q (supported: nearest)", cfg.Interpolation)
	}
	if cfg.Aggregation != "" {
		return nil, fmt.Errorf("scalar backend does not accept aggregation %q", cfg.Aggregation)
	}
	if cfg.How != "" {
		return nil, fmt.Errorf("scalar backend does not accept shading %q", cfg.How)
	}
	if len(cfg.Span) != 0 {
		return nil, fmt.Errorf("scalar backend does not accept a span, use vmin/vmax")
	}
	norm, err := validateNormConfig(cfg.Normalization, cfg.NormParams)
	if err != nil {
		return nil, err
	}
	ramp, rampID, err := cfg.ramp()
	if err != nil {
		return nil, err
	}
	params := make(map[string]Param, len(cfg.NormParams))
	for k, v := range cfg.NormParams {
		params[k] = v
	}
	r := &ScalarColormapRenderer{
		width:   w,
		height:  h,
		resize:  cfg.Interpolation == "nearest",
		norm:    norm,
		params:  params,
		ramp:    ramp,
		overlay: cfg.Overlay,
	}
	r.describe = fmt.Sprintf("scalar/%dx%d/interp=%s/norm=%s/params=%s/ramp=%s/overlay=%t",
		w, h, cfg.Interpolation, norm, describeParams(params), rampID, cfg.Overlay)
	return r, nil
}

// describeParams renders the parameter set deterministically. Computed
// parameters contribute their key only; their value depends on the block.
func describeParams(params map[string]Param) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		p := params[k]
		if p.From != nil {
			parts[i] = k + "=computed"
		} else {
			parts[i] = fmt.Sprintf("%s=%g", k, p.Value)
		}
	}
	return strings.Join(parts, ",")
}

// Describe returns the renderer's output-affecting identity.
func (r *ScalarColormapRenderer) Describe() string { return r.describe }

// Render runs the four stages over a block stored rows north to south.
func (r *ScalarColormapRenderer) Render(arr *dataset.Array) (*Image, error) {
	if err := require2D(arr); err != nil {
		return nil, err
	}
	block := arr
	if r.resize {
		block = resampleNearest(arr, r.height, r.width)
	} else if arr.Shape[0] != r.height || arr.Shape[1] != r.width {
		return nil, fmt.Errorf("block %dx%d does not match canvas %dx%d, configure nearest interpolation",
			arr.Shape[0], arr.Shape[1], r.height, r.width)
	}
	// Aggregate is identity for this backend.
	norm := newNormalizer(r.norm, r.params, block)
	im := NewImage(r.width, r.height)
	for y := 0; y < r.height; y++ {
		row := y * r.width
		for x := 0; x < r.width; x++ {
			v := norm.apply(block.Data[row+x])
			if math.IsNaN(v) {
				continue
			}
			im.RGBA.SetRGBA(x, y, r.ramp.At(v))
		}
	}
	if r.overlay {
		drawOverlay(im)
	}
	return im, nil
}

// resampleNearest regrids a 2-D block to the given shape by nearest
// source cell.
func resampleNearest(arr *dataset.Array, height, width int) *dataset.Array {
	srcH, srcW := arr.Shape[0], arr.Shape[1]
	out := &dataset.Array{
		Name:  arr.Name,
		Dims:  append([]string(nil), arr.Dims...),
		Shape: []int{height, width},
		Dtype: arr.Dtype,
		Data:  make([]float64, height*width),
		Attrs: arr.Attrs,
	}
	for y := 0; y < height; y++ {
		sy := y * srcH / height
		for x := 0; x < width; x++ {
			sx := x * srcW / width
			out.Data[y*width+x] = arr.Data[sy*srcW+sx]
		}
	}
	return out
}
