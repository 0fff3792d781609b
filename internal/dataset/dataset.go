// Package dataset defines the labeled multi-dimensional array model the
// server publishes: named variables with dimension names, chunk layout and
// codec declarations, plus coordinate variables that give axes physical
// values. A Dataset is read-only once registered; request handling never
// mutates it.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrVariableNotFound reports a lookup of a variable the dataset does not
// carry.
var ErrVariableNotFound = errors.New("variable not found")

// Compressor declares the final byte-stream codec of a variable's chunks.
// The zero Level means the codec's own default.
type Compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// Filter declares a reversible byte transform applied before compression.
type Filter struct {
	ID          string `json:"id"`
	ElementSize int    `json:"elementsize,omitempty"`
}

// Array is one variable: values in C order plus the metadata needed to
// select from it, chunk it and describe it on the wire.
type Array struct {
	Name   string
	Dims   []string
	Shape  []int
	Chunks []int // nil means one chunk spanning the whole shape
	Dtype  string
	Data   []float64 // C order, len == Size()
	Labels []string  // label values for a 1-D label axis, matched exactly
	Fill   *float64  // nil means NaN for float dtypes, zero otherwise
	Attrs  map[string]any

	Compressor *Compressor
	Filters    []Filter
}

// Size returns the element count implied by Shape.
func (a *Array) Size() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int { return len(a.Shape) }

// ChunkShape returns the declared chunk shape, defaulting to the full
// array shape when no chunking was declared.
func (a *Array) ChunkShape() []int {
	if len(a.Chunks) == a.Rank() && a.Rank() > 0 {
		return a.Chunks
	}
	return a.Shape
}

// Validate checks the internal consistency of the array.
func (a *Array) Validate() error {
	if a.Name == "" {
		return errors.New("array name is required")
	}
	if len(a.Dims) != len(a.Shape) {
		return fmt.Errorf("array %q: %d dims for %d shape entries", a.Name, len(a.Dims), len(a.Shape))
	}
	for i, s := range a.Shape {
		if s <= 0 {
			return fmt.Errorf("array %q: shape[%d] = %d", a.Name, i, s)
		}
	}
	if len(a.Chunks) != 0 {
		if len(a.Chunks) != len(a.Shape) {
			return fmt.Errorf("array %q: %d chunk entries for %d dims", a.Name, len(a.Chunks), len(a.Shape))
		}
		for i, c := range a.Chunks {
			if c <= 0 {
				return fmt.Errorf("array %q: chunks[%d] = %d", a.Name, i, c)
			}
		}
	}
	if len(a.Data) != a.Size() {
		return fmt.Errorf("array %q: %d values for shape size %d", a.Name, len(a.Data), a.Size())
	}
	if len(a.Labels) > 0 {
		if a.Rank() != 1 {
			return fmt.Errorf("array %q: labels only apply to 1-D arrays", a.Name)
		}
		if len(a.Labels) != a.Shape[0] {
			return fmt.Errorf("array %q: %d labels for length %d", a.Name, len(a.Labels), a.Shape[0])
		}
	}
	return nil
}

// FillValue returns the value used for elements no chunk covers.
func (a *Array) FillValue() float64 {
	if a.Fill != nil {
		return *a.Fill
	}
	switch a.Dtype {
	case "<i8", ">i8", "<i4", ">i4", "|u1":
		return 0
	}
	return math.NaN()
}

// Clone returns a deep copy. Transforms receive clones so they may mutate
// freely without touching registered data.
func (a *Array) Clone() *Array {
	out := &Array{
		Name:       a.Name,
		Dims:       append([]string(nil), a.Dims...),
		Shape:      append([]int(nil), a.Shape...),
		Chunks:     append([]int(nil), a.Chunks...),
		Dtype:      a.Dtype,
		Data:       append([]float64(nil), a.Data...),
		Labels:     append([]string(nil), a.Labels...),
		Compressor: a.Compressor,
		Filters:    append([]Filter(nil), a.Filters...),
	}
	if a.Fill != nil {
		f := *a.Fill
		out.Fill = &f
	}
	if a.Attrs != nil {
		out.Attrs = make(map[string]any, len(a.Attrs))
		for k, v := range a.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}

// Dataset is the read side the tile and chunk paths are built on. VarNames
// and CoordNames are sorted; coordinate variables are served like any other
// array so clients can reconstruct axes.
type Dataset interface {
	ID() string
	Attrs() map[string]any
	VarNames() []string
	CoordNames() []string
	Var(name string) (*Array, error)
}

// Memory is an in-memory Dataset. It backs tests, the TileDB source and any
// loader that materializes a dataset up front.
type Memory struct {
	id     string
	attrs  map[string]any
	arrays map[string]*Array
	coords map[string]bool
}

// NewMemory creates an empty in-memory dataset. The identifier is required:
// it namespaces every cache key derived from this dataset.
func NewMemory(id string, attrs map[string]any) (*Memory, error) {
	if id == "" {
		return nil, errors.New("dataset identifier is required")
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &Memory{
		id:     id,
		attrs:  attrs,
		arrays: make(map[string]*Array),
		coords: make(map[string]bool),
	}, nil
}

// AddVar registers a data variable.
func (m *Memory) AddVar(a *Array) error { return m.add(a, false) }

// AddCoord registers a coordinate variable. It must be 1-D and named after
// the dimension it spans.
func (m *Memory) AddCoord(a *Array) error {
	if a != nil && a.Rank() == 1 && len(a.Dims) == 1 && a.Dims[0] != a.Name {
		return fmt.Errorf("coordinate %q must span a dimension of the same name, got %q", a.Name, a.Dims[0])
	}
	return m.add(a, true)
}

func (m *Memory) add(a *Array, coord bool) error {
	if a == nil {
		return errors.New("nil array")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if coord && a.Rank() != 1 {
		return fmt.Errorf("coordinate %q must be 1-D", a.Name)
	}
	if _, ok := m.arrays[a.Name]; ok {
		return fmt.Errorf("duplicate variable %q", a.Name)
	}
	m.arrays[a.Name] = a
	m.coords[a.Name] = coord
	return nil
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Attrs() map[string]any { return m.attrs }

func (m *Memory) VarNames() []string { return m.names(false) }

func (m *Memory) CoordNames() []string { return m.names(true) }

func (m *Memory) names(coord bool) []string {
	out := make([]string, 0, len(m.arrays))
	for name := range m.arrays {
		if m.coords[name] == coord {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Var(name string) (*Array, error) {
	a, ok := m.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in dataset %q", ErrVariableNotFound, name, m.id)
	}
	return a, nil
}
