package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb"
)

// TimeDim is the axis name label selections address.
const TimeDim = "time"

// ErrOutOfDomain reports a selection that does not intersect the dataset.
var ErrOutOfDomain = errors.New("map outside dataset domain")

// ErrNoCoordinate reports a selection axis the dataset has no coordinate
// values for, usually a mistyped axis name override.
var ErrNoCoordinate = errors.New("axis has no coordinate values")

// Range is a half-open coordinate interval [Min, Max).
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v falls inside the interval.
func (r Range) Contains(v float64) bool { return v >= r.Min && v < r.Max }

// Selection describes one request's slice of a dataset: half-open value
// ranges on the spatial axes and exact label matches on label axes. A
// Selection is built per request and never mutated afterwards.
type Selection struct {
	Ranges map[string]Range
	Labels map[string]string

	// XDim and YDim name the axes the tile bound was mapped onto, so the
	// extracted block can be oriented for rendering.
	XDim string
	YDim string
}

// BuildSelection maps a tile bound onto dataset axes. The horizontal span
// goes to xDim, the vertical span to yDim, and a non-empty time label is
// matched exactly on the "time" axis.
func BuildSelection(b orb.Bound, timeLabel, xDim, yDim string) Selection {
	sel := Selection{
		Ranges: map[string]Range{
			xDim: {Min: b.Min.X(), Max: b.Max.X()},
			yDim: {Min: b.Min.Y(), Max: b.Max.Y()},
		},
		Labels: map[string]string{},
		XDim:   xDim,
		YDim:   yDim,
	}
	if timeLabel != "" {
		sel.Labels[TimeDim] = timeLabel
	}
	return sel
}

// axisSpan is the resolved index interval of one dimension, with the
// ascending flag of the coordinate values that produced it.
type axisSpan struct {
	start     int
	length    int
	ascending bool
	drop      bool
}

// ApplySelection extracts the selected block of a variable as a fresh
// array. Label-selected axes are dropped from the result. When the
// selection names x and y axes the block is reoriented so that row index 0
// holds the maximum y value and column index 0 the minimum x value,
// whatever order the coordinates are stored in. A selection empty along any
// axis fails with ErrOutOfDomain; a selection axis that names no dimension
// of the variable fails with ErrNoCoordinate.
func ApplySelection(ds Dataset, varName string, sel Selection) (*Array, error) {
	arr, err := ds.Var(varName)
	if err != nil {
		return nil, err
	}
	for name := range sel.Ranges {
		if !hasDim(arr.Dims, name) {
			return nil, fmt.Errorf("%w: %q is not a dimension of %q", ErrNoCoordinate, name, arr.Name)
		}
	}
	for name := range sel.Labels {
		if !hasDim(arr.Dims, name) {
			return nil, fmt.Errorf("%w: %q is not a dimension of %q", ErrNoCoordinate, name, arr.Name)
		}
	}
	spans := make([]axisSpan, arr.Rank())
	for i, dim := range arr.Dims {
		span := axisSpan{start: 0, length: arr.Shape[i], ascending: true}
		if label, ok := sel.Labels[dim]; ok {
			idx, err := labelIndex(ds, dim, label)
			if err != nil {
				return nil, err
			}
			span = axisSpan{start: idx, length: 1, drop: true}
		} else if rng, ok := sel.Ranges[dim]; ok {
			span, err = rangeSpan(ds, dim, rng)
			if err != nil {
				return nil, err
			}
		}
		spans[i] = span
	}
	out := extract(arr, spans)

	// Reorder so ascending x runs left to right and descending y top to
	// bottom, then put y before x when both survive as the last two axes.
	for i, dim := range out.Dims {
		if dim == sel.XDim && !spanAscending(arr, spans, dim) {
			reverseAxis(out, i)
		}
		if dim == sel.YDim && spanAscending(arr, spans, dim) {
			reverseAxis(out, i)
		}
	}
	if n := len(out.Dims); n >= 2 && out.Dims[n-1] == sel.YDim && out.Dims[n-2] == sel.XDim {
		swapLastAxes(out)
	}
	return out, nil
}

func hasDim(dims []string, name string) bool {
	for _, d := range dims {
		if d == name {
			return true
		}
	}
	return false
}

func spanAscending(arr *Array, spans []axisSpan, dim string) bool {
	for i, d := range arr.Dims {
		if d == dim {
			return spans[i].ascending
		}
	}
	return true
}

// labelIndex finds the exact position of a label on a label axis. A label
// outside the axis is an out-of-domain selection.
func labelIndex(ds Dataset, dim, label string) (int, error) {
	coord, err := ds.Var(dim)
	if err != nil {
		if errors.Is(err, ErrVariableNotFound) {
			return 0, fmt.Errorf("%w: %q", ErrNoCoordinate, dim)
		}
		return 0, err
	}
	if len(coord.Labels) > 0 {
		for i, l := range coord.Labels {
			if l == label {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: no %q = %q", ErrOutOfDomain, dim, label)
	}
	// Numeric label axis: match the formatted value.
	want, perr := strconv.ParseFloat(label, 64)
	if perr != nil {
		return 0, fmt.Errorf("%w: no %q = %q", ErrOutOfDomain, dim, label)
	}
	for i, v := range coord.Data {
		if v == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no %q = %q", ErrOutOfDomain, dim, label)
}

// rangeSpan resolves a half-open value range against a monotonic
// coordinate axis. Both storage orders are honored; an empty result is
// out of domain.
func rangeSpan(ds Dataset, dim string, rng Range) (axisSpan, error) {
	coord, err := ds.Var(dim)
	if err != nil {
		if errors.Is(err, ErrVariableNotFound) {
			return axisSpan{}, fmt.Errorf("%w: %q", ErrNoCoordinate, dim)
		}
		return axisSpan{}, err
	}
	vals := coord.Data
	if len(vals) == 0 {
		return axisSpan{}, fmt.Errorf("%w: empty slice on %q", ErrOutOfDomain, dim)
	}
	first, last := -1, -1
	for i, v := range vals {
		if math.IsNaN(v) || !rng.Contains(v) {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return axisSpan{}, fmt.Errorf("%w: empty slice on %q", ErrOutOfDomain, dim)
	}
	asc := len(vals) < 2 || vals[0] <= vals[len(vals)-1]
	return axisSpan{start: first, length: last - first + 1, ascending: asc}, nil
}

// extract copies the spanned block into a fresh array, dropping axes whose
// span is marked drop.
func extract(arr *Array, spans []axisSpan) *Array {
	outDims := make([]string, 0, arr.Rank())
	outShape := make([]int, 0, arr.Rank())
	for i, sp := range spans {
		if sp.drop {
			continue
		}
		outDims = append(outDims, arr.Dims[i])
		outShape = append(outShape, sp.length)
	}
	outSize := 1
	for _, s := range outShape {
		outSize *= s
	}
	out := &Array{
		Name:  arr.Name,
		Dims:  outDims,
		Shape: outShape,
		Dtype: arr.Dtype,
		Data:  make([]float64, outSize),
		Attrs: arr.Attrs,
	}
	if arr.Fill != nil {
		f := *arr.Fill
		out.Fill = &f
	}

	srcStrides := strides(arr.Shape)
	idx := make([]int, len(outShape))
	for pos := 0; pos < outSize; pos++ {
		// idx walks the output block in C order across the kept axes.
		src := 0
		k := 0
		for d, sp := range spans {
			off := sp.start
			if !sp.drop {
				off += idx[k]
				k++
			}
			src += off * srcStrides[d]
		}
		out.Data[pos] = arr.Data[src]
		incrementIndex(idx, outShape)
	}
	return out
}

// incrementIndex advances a C-order multi-index over shape.
func incrementIndex(idx []int, shape []int) {
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= shape[d]
	}
	return st
}

// reverseAxis flips the array along one axis in place.
func reverseAxis(a *Array, axis int) {
	st := strides(a.Shape)
	n := a.Shape[axis]
	outer := 1
	for d := 0; d < axis; d++ {
		outer *= a.Shape[d]
	}
	inner := st[axis]
	block := n * inner
	for o := 0; o < outer; o++ {
		base := o * block
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			lo := base + i*inner
			hi := base + j*inner
			for k := 0; k < inner; k++ {
				a.Data[lo+k], a.Data[hi+k] = a.Data[hi+k], a.Data[lo+k]
			}
		}
	}
}

// swapLastAxes transposes the final two axes in place, used to settle
// blocks into row-major y, x order.
func swapLastAxes(a *Array) {
	n := a.Rank()
	h := a.Shape[n-1]
	w := a.Shape[n-2]
	lead := 1
	for d := 0; d < n-2; d++ {
		lead *= a.Shape[d]
	}
	out := make([]float64, len(a.Data))
	plane := h * w
	for l := 0; l < lead; l++ {
		base := l * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[base+y*w+x] = a.Data[base+x*h+y]
			}
		}
	}
	a.Data = out
	a.Dims[n-2], a.Dims[n-1] = a.Dims[n-1], a.Dims[n-2]
	a.Shape[n-2], a.Shape[n-1] = a.Shape[n-1], a.Shape[n-2]
}
