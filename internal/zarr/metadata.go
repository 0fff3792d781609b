package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gridtiles/server/internal/dataset"
)

// FormatVersion is the chunked-store layout version the server speaks.
const FormatVersion = 2

// ConsolidatedFormatVersion tags the combined metadata document.
const ConsolidatedFormatVersion = 1

// DimensionsAttr is the attribute key carrying dimension names on arrays.
const DimensionsAttr = "_ARRAY_DIMENSIONS"

// ErrNoSubgroups reports a group document request below the root; the
// store is published flat.
var ErrNoSubgroups = errors.New("no subgroups")

// MetaType classifies store keys by their reserved suffix.
type MetaType string

const (
	MetaTypeAttrs        MetaType = ".zattrs"
	MetaTypeArray        MetaType = ".zarray"
	MetaTypeGroup        MetaType = ".zgroup"
	MetaTypeConsolidated MetaType = ".zmetadata"
	MetaTypeChunk        MetaType = ""
)

// KeyMetaType returns the metadata class of a store key, or MetaTypeChunk
// for plain chunk keys.
func KeyMetaType(key string) MetaType {
	for _, t := range []MetaType{MetaTypeConsolidated, MetaTypeAttrs, MetaTypeArray, MetaTypeGroup} {
		if strings.HasSuffix(key, string(t)) {
			return t
		}
	}
	return MetaTypeChunk
}

// ArrayMeta is the .zarray document of one variable.
type ArrayMeta struct {
	ZarrFormat         int                 `json:"zarr_format"`
	Shape              []int               `json:"shape"`
	Chunks             []int               `json:"chunks"`
	Dtype              string              `json:"dtype"`
	Compressor         *dataset.Compressor `json:"compressor"`
	FillValue          any                 `json:"fill_value"`
	Order              string              `json:"order"`
	Filters            []dataset.Filter    `json:"filters"`
	DimensionSeparator string              `json:"dimension_separator,omitempty"`
}

// NewArrayMeta describes an array the way clients expect to read it back:
// C order, dot-separated chunk keys, NaN fills spelled as the string "NaN".
func NewArrayMeta(arr *dataset.Array) ArrayMeta {
	m := ArrayMeta{
		ZarrFormat: FormatVersion,
		Shape:      append([]int(nil), arr.Shape...),
		Chunks:     append([]int(nil), arr.ChunkShape()...),
		Dtype:      arr.Dtype,
		Compressor: arr.Compressor,
		Order:      "C",
	}
	if len(arr.Filters) > 0 {
		m.Filters = append([]dataset.Filter(nil), arr.Filters...)
	}
	fill := arr.FillValue()
	if math.IsNaN(fill) {
		m.FillValue = "NaN"
	} else {
		m.FillValue = fill
	}
	return m
}

// FillFloat converts the JSON fill value back to a float, honoring the
// "NaN" spelling.
func (m ArrayMeta) FillFloat() (float64, bool) {
	switch v := m.FillValue.(type) {
	case nil:
		return math.NaN(), false
	case string:
		switch v {
		case "NaN":
			return math.NaN(), true
		case "Infinity":
			return math.Inf(1), true
		case "-Infinity":
			return math.Inf(-1), true
		}
		return 0, false
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// ArrayAttrs builds the .zattrs document of an array, carrying its
// dimension names alongside any dataset-provided attributes.
func ArrayAttrs(arr *dataset.Array) map[string]any {
	out := make(map[string]any, len(arr.Attrs)+1)
	for k, v := range arr.Attrs {
		out[k] = v
	}
	out[DimensionsAttr] = append([]string(nil), arr.Dims...)
	return out
}

// GroupMeta is the root .zgroup document.
func GroupMeta() map[string]int {
	return map[string]int{"zarr_format": FormatVersion}
}

// Consolidated is the .zmetadata document: every metadata key of the store
// gathered into one fetch.
type Consolidated struct {
	ZarrConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata               map[string]json.RawMessage `json:"metadata"`
}

// BuildConsolidated collects the root group documents plus the .zarray and
// .zattrs of every variable and coordinate.
func BuildConsolidated(ds dataset.Dataset) (*Consolidated, error) {
	cons := &Consolidated{
		ZarrConsolidatedFormat: ConsolidatedFormatVersion,
		Metadata:               map[string]json.RawMessage{},
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		cons.Metadata[key] = raw
		return nil
	}
	if err := put(string(MetaTypeGroup), GroupMeta()); err != nil {
		return nil, err
	}
	if err := put(string(MetaTypeAttrs), ds.Attrs()); err != nil {
		return nil, err
	}
	names := append(append([]string(nil), ds.CoordNames()...), ds.VarNames()...)
	for _, name := range names {
		arr, err := ds.Var(name)
		if err != nil {
			return nil, err
		}
		if err := put(name+"/"+string(MetaTypeArray), NewArrayMeta(arr)); err != nil {
			return nil, err
		}
		if err := put(name+"/"+string(MetaTypeAttrs), ArrayAttrs(arr)); err != nil {
			return nil, err
		}
	}
	return cons, nil
}

// ParseConsolidated reads a .zmetadata document.
func ParseConsolidated(raw []byte) (*Consolidated, error) {
	var cons Consolidated
	if err := json.Unmarshal(raw, &cons); err != nil {
		return nil, fmt.Errorf("parse consolidated metadata: %w", err)
	}
	if cons.ZarrConsolidatedFormat != ConsolidatedFormatVersion {
		return nil, fmt.Errorf("unsupported consolidated metadata format %d", cons.ZarrConsolidatedFormat)
	}
	return &cons, nil
}
