//go:build tiledb

package tiledbstore

import (
	"fmt"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/gridtiles/server/internal/dataset"
)

// Supported reports whether this build can load TileDB arrays.
func Supported() bool { return true }

// Open reads a dense 2-D TileDB array into an in-memory dataset. The two
// dimensions become coordinate axes carrying their index values; the
// selected attribute becomes the single data variable, named after the
// attribute.
func Open(id, path string, opts Options) (*dataset.Memory, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	tdbCtx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("tiledb context: %w", err)
	}
	defer tdbCtx.Free()

	arr, err := tiledb.NewArray(tdbCtx, path)
	if err != nil {
		return nil, fmt.Errorf("tiledb array %s: %w", path, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("tiledb open %s: %w", path, err)
	}
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("tiledb schema %s: %w", path, err)
	}
	domain, err := schema.Domain()
	if err != nil {
		return nil, fmt.Errorf("tiledb domain %s: %w", path, err)
	}
	ndim, err := domain.NDim()
	if err != nil {
		return nil, err
	}
	if ndim != 2 {
		return nil, fmt.Errorf("tiledb array %s: %d dimensions, want 2", path, ndim)
	}

	dimNames := make([]string, 2)
	for i := 0; i < 2; i++ {
		dim, err := domain.DimensionFromIndex(uint(i))
		if err != nil {
			return nil, err
		}
		name, err := dim.Name()
		if err != nil {
			return nil, err
		}
		dimNames[i] = name
	}

	attrName, attrType, err := pickAttribute(schema, opts.Attribute)
	if err != nil {
		return nil, fmt.Errorf("tiledb array %s: %w", path, err)
	}

	lo := make([]int64, 2)
	hi := make([]int64, 2)
	for i, name := range dimNames {
		lo[i], hi[i], err = boundsMinMaxInt64(arr, name)
		if err != nil {
			return nil, fmt.Errorf("tiledb array %s: %w", path, err)
		}
	}
	rows := int(hi[0] - lo[0] + 1)
	cols := int(hi[1] - lo[1] + 1)
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("tiledb array %s: empty non-empty domain", path)
	}

	vals, err := readDense(tdbCtx, arr, attrName, attrType, lo, hi, rows*cols)
	if err != nil {
		return nil, fmt.Errorf("tiledb read %s: %w", path, err)
	}

	ds, err := dataset.NewMemory(id, map[string]any{"source": "tiledb", "uri": path})
	if err != nil {
		return nil, err
	}
	for i, name := range dimNames {
		n := rows
		if i == 1 {
			n = cols
		}
		coord := &dataset.Array{
			Name:  name,
			Dims:  []string{name},
			Shape: []int{n},
			Dtype: "<f8",
			Data:  make([]float64, n),
		}
		for j := 0; j < n; j++ {
			coord.Data[j] = float64(lo[i] + int64(j))
		}
		if err := ds.AddCoord(coord); err != nil {
			return nil, err
		}
	}
	v := &dataset.Array{
		Name:  attrName,
		Dims:  append([]string(nil), dimNames...),
		Shape: []int{rows, cols},
		Dtype: "<f8",
		Data:  vals,
	}
	if err := ds.AddVar(v); err != nil {
		return nil, err
	}
	return ds, nil
}

func pickAttribute(schema *tiledb.ArraySchema, want string) (string, tiledb.Datatype, error) {
	nattr, err := schema.AttributeNum()
	if err != nil {
		return "", 0, err
	}
	for i := uint(0); i < nattr; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			return "", 0, err
		}
		name, err := attr.Name()
		if err != nil {
			return "", 0, err
		}
		if want != "" && name != want {
			continue
		}
		t, err := attr.Type()
		if err != nil {
			return "", 0, err
		}
		switch t {
		case tiledb.TILEDB_FLOAT32, tiledb.TILEDB_FLOAT64, tiledb.TILEDB_INT32, tiledb.TILEDB_INT64:
			return name, t, nil
		default:
			return "", 0, fmt.Errorf("attribute %q has unsupported type %v", name, t)
		}
	}
	if want != "" {
		return "", 0, fmt.Errorf("attribute %q not found", want)
	}
	return "", 0, fmt.Errorf("no readable attribute")
}

// boundsMinMaxInt64 unwraps the non-empty domain of an int64 dimension.
func boundsMinMaxInt64(arr *tiledb.Array, dimName string) (int64, int64, error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dimName)
	if err != nil {
		return 0, 0, err
	}
	if isEmpty {
		return 0, -1, nil
	}
	bounds, ok := ned.Bounds.([]int64)
	if !ok || len(bounds) != 2 {
		return 0, 0, fmt.Errorf("dimension %q: unsupported domain type %T", dimName, ned.Bounds)
	}
	return bounds[0], bounds[1], nil
}

// readDense pulls the full non-empty block as float64 values in row-major
// order.
func readDense(tdbCtx *tiledb.Context, arr *tiledb.Array, attrName string, attrType tiledb.Datatype, lo, hi []int64, n int) ([]float64, error) {
	q, err := tiledb.NewQuery(tdbCtx, arr)
	if err != nil {
		return nil, err
	}
	defer q.Free()
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, err
	}
	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, err
	}
	defer sub.Free()
	for i := range lo {
		if err := sub.AddRangeByNum(uint32(i), tiledb.MakeRange(lo[i], hi[i])); err != nil {
			return nil, err
		}
	}
	if err := q.SetSubarray(sub); err != nil {
		return nil, err
	}

	out := make([]float64, n)
	switch attrType {
	case tiledb.TILEDB_FLOAT64:
		if _, err := q.SetDataBuffer(attrName, out); err != nil {
			return nil, err
		}
		if err := submitComplete(q); err != nil {
			return nil, err
		}
	case tiledb.TILEDB_FLOAT32:
		buf := make([]float32, n)
		if _, err := q.SetDataBuffer(attrName, buf); err != nil {
			return nil, err
		}
		if err := submitComplete(q); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case tiledb.TILEDB_INT32:
		buf := make([]int32, n)
		if _, err := q.SetDataBuffer(attrName, buf); err != nil {
			return nil, err
		}
		if err := submitComplete(q); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case tiledb.TILEDB_INT64:
		buf := make([]int64, n)
		if _, err := q.SetDataBuffer(attrName, buf); err != nil {
			return nil, err
		}
		if err := submitComplete(q); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("unsupported attribute type %v", attrType)
	}
	return out, nil
}

func submitComplete(q *tiledb.Query) error {
	if err := q.Submit(); err != nil {
		return err
	}
	status, err := q.Status()
	if err != nil {
		return err
	}
	if status != tiledb.TILEDB_COMPLETED {
		return fmt.Errorf("query status %v, want completed", status)
	}
	return nil
}
