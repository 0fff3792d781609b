package render

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/pkg/colormap"
)

// aggFunc folds the source cells behind one canvas cell into a single
// value. NaN inputs are already removed.
type aggFunc func(vals []float64) float64

var aggregations = map[string]aggFunc{
	"mean": func(vals []float64) float64 {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	},
	"min": func(vals []float64) float64 {
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	},
	"max": func(vals []float64) float64 {
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	},
	"sum": func(vals []float64) float64 {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	},
	"first": func(vals []float64) float64 {
		return vals[0]
	},
}

func aggregationNames() string {
	names := make([]string, 0, len(aggregations))
	for name := range aggregations {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// RasterAggregationRenderer regrids a block onto the canvas, folds every
// source span into one aggregate value per pixel, and shades the
// aggregates through a color ramp. Pixels whose span holds no finite value
// stay transparent.
type RasterAggregationRenderer struct {
	width    int
	height   int
	agg      aggFunc
	how      string
	span     []float64
	ramp     colormap.Colormap
	overlay  bool
	describe string
}

// NewRasterAggregation validates the raster option set and builds the
// renderer.
func NewRasterAggregation(cfg Config) (*RasterAggregationRenderer, error) {
	w, h, err := cfg.canvas()
	if err != nil {
		return nil, err
	}
	if cfg.Interpolation != "" && cfg.Interpolation != "nearest" {
		return nil, fmt.Errorf("raster backend: unknown interpolation %q (supported: nearest)", cfg.Interpolation)
	}
	if cfg.Normalization != "" {
		return nil, fmt.Errorf("raster backend does not accept normalization %q", cfg.Normalization)
	}
	aggName := cfg.Aggregation
	if aggName == "" {
		aggName = "mean"
	}
	agg, ok := aggregations[aggName]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation %q (supported: %s)", cfg.Aggregation, aggregationNames())
	}
	how := cfg.How
	if how == "" {
		how = "linear"
	}
	switch how {
	case "linear", "log", "cbrt":
	default:
		return nil, fmt.Errorf("unknown shading %q (supported: cbrt, linear, log)", cfg.How)
	}
	if len(cfg.Span) != 0 {
		if len(cfg.Span) != 2 {
			return nil, fmt.Errorf("span needs exactly 2 values, got %d", len(cfg.Span))
		}
		if cfg.Span[0] >= cfg.Span[1] {
			return nil, fmt.Errorf("span [%g, %g] is not increasing", cfg.Span[0], cfg.Span[1])
		}
	}
	ramp, rampID, err := cfg.ramp()
	if err != nil {
		return nil, err
	}
	r := &RasterAggregationRenderer{
		width:   w,
		height:  h,
		agg:     agg,
		how:     how,
		span:    append([]float64(nil), cfg.Span...),
		ramp:    ramp,
		overlay: cfg.Overlay,
	}
	r.describe = fmt.Sprintf("raster/%dx%d/agg=%s/how=%s/span=%v/ramp=%s/overlay=%t",
		w, h, aggName, how, r.span, rampID, cfg.Overlay)
	return r, nil
}

// Describe returns the renderer's output-affecting identity.
func (r *RasterAggregationRenderer) Describe() string { return r.describe }

// Render runs the four stages over a block stored rows north to south.
func (r *RasterAggregationRenderer) Render(arr *dataset.Array) (*Image, error) {
	if err := require2D(arr); err != nil {
		return nil, err
	}
	// Interpolate is identity for this backend; regridding below resolves
	// both up- and downsampling.
	agg := r.aggregate(arr)
	lo, hi := r.bounds(agg)
	im := NewImage(r.width, r.height)
	for i, v := range agg {
		if math.IsNaN(v) {
			continue
		}
		t := shade(v, lo, hi, r.how)
		x := i % r.width
		y := i / r.width
		im.RGBA.SetRGBA(x, y, r.ramp.At(t))
	}
	if r.overlay {
		drawOverlay(im)
	}
	return im, nil
}

// aggregate folds the source grid into one value per canvas cell. Each
// canvas cell covers at least one source cell, so upsampling degenerates
// to nearest lookup.
func (r *RasterAggregationRenderer) aggregate(arr *dataset.Array) []float64 {
	srcH, srcW := arr.Shape[0], arr.Shape[1]
	out := make([]float64, r.width*r.height)
	vals := make([]float64, 0, 16)
	for oy := 0; oy < r.height; oy++ {
		y0 := oy * srcH / r.height
		y1 := (oy + 1) * srcH / r.height
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for ox := 0; ox < r.width; ox++ {
			x0 := ox * srcW / r.width
			x1 := (ox + 1) * srcW / r.width
			if x1 <= x0 {
				x1 = x0 + 1
			}
			vals = vals[:0]
			for sy := y0; sy < y1; sy++ {
				row := sy * srcW
				for sx := x0; sx < x1; sx++ {
					if v := arr.Data[row+sx]; !math.IsNaN(v) {
						vals = append(vals, v)
					}
				}
			}
			if len(vals) == 0 {
				out[oy*r.width+ox] = math.NaN()
			} else {
				out[oy*r.width+ox] = r.agg(vals)
			}
		}
	}
	return out
}

// bounds picks the shading interval: the configured span, or the finite
// extremes of the aggregated values.
func (r *RasterAggregationRenderer) bounds(agg []float64) (float64, float64) {
	if len(r.span) == 2 {
		return r.span[0], r.span[1]
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range agg {
		if math.IsNaN(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 1
	}
	return lo, hi
}

// shade maps a value onto [0, 1] with the configured curve.
func shade(v, lo, hi float64, how string) float64 {
	var t float64
	if hi > lo {
		t = (v - lo) / (hi - lo)
	} else {
		t = 0.5
	}
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	switch how {
	case "log":
		t = math.Log1p(t*255) / math.Log1p(255)
	case "cbrt":
		t = math.Cbrt(t)
	}
	return t
}
