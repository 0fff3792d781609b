package zarr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gridtiles/server/internal/dataset"
)

// ErrChunkAddress reports a chunk key that does not address a chunk of the
// array's grid.
var ErrChunkAddress = errors.New("invalid chunk address")

// ParseChunkKey splits a dotted chunk key like "0.2.1" and validates it
// against the array rank.
func ParseChunkKey(key string, rank int) ([]int, error) {
	parts := strings.Split(key, ".")
	if len(parts) != rank {
		return nil, fmt.Errorf("%w: %q has %d parts for rank %d", ErrChunkAddress, key, len(parts), rank)
	}
	idx := make([]int, rank)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrChunkAddress, key)
		}
		idx[i] = n
	}
	return idx, nil
}

// DataChunk extracts the addressed chunk of an array as raw bytes in the
// array's dtype. Chunks on the ragged edge keep the full declared chunk
// shape, padded with the fill value past the array bounds, so every chunk
// of a variable has the same byte length.
func DataChunk(arr *dataset.Array, key string) ([]byte, error) {
	idx, err := ParseChunkKey(key, arr.Rank())
	if err != nil {
		return nil, err
	}
	chunks := arr.ChunkShape()
	for d := range idx {
		grid := ceilDiv(arr.Shape[d], chunks[d])
		if idx[d] >= grid {
			return nil, fmt.Errorf("%w: %q exceeds %d chunks on axis %d", ErrChunkAddress, key, grid, d)
		}
	}
	chunkSize := 1
	for _, c := range chunks {
		chunkSize *= c
	}
	vals := make([]float64, chunkSize)
	fill := arr.FillValue()
	srcStrides := chunkStrides(arr.Shape)
	pos := make([]int, len(chunks))
	for i := 0; i < chunkSize; i++ {
		src := 0
		inside := true
		for d := range pos {
			g := idx[d]*chunks[d] + pos[d]
			if g >= arr.Shape[d] {
				inside = false
				break
			}
			src += g * srcStrides[d]
		}
		if inside {
			vals[i] = arr.Data[src]
		} else {
			vals[i] = fill
		}
		for d := len(pos) - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < chunks[d] {
				break
			}
			pos[d] = 0
		}
	}
	return EncodeValues(vals, arr.Dtype)
}

func chunkStrides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= shape[d]
	}
	return st
}

// DtypeSize returns the element byte width of a type string like "<f8".
func DtypeSize(dtype string) (int, error) {
	_, _, size, err := parseDtype(dtype)
	return size, err
}

// parseDtype splits a NumPy type string into byte order, kind and width.
func parseDtype(dtype string) (order byte, kind byte, size int, err error) {
	if len(dtype) < 3 {
		return 0, 0, 0, fmt.Errorf("invalid dtype %q", dtype)
	}
	order = dtype[0]
	kind = dtype[1]
	n, cerr := strconv.Atoi(dtype[2:])
	if cerr != nil || n <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid dtype %q", dtype)
	}
	switch order {
	case '<', '>', '|':
	default:
		return 0, 0, 0, fmt.Errorf("invalid dtype %q: unknown byte order", dtype)
	}
	return order, kind, n, nil
}

// EncodeValues serializes float64 values into the given dtype.
func EncodeValues(vals []float64, dtype string) ([]byte, error) {
	order, kind, size, err := parseDtype(dtype)
	if err != nil {
		return nil, err
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if order == '>' {
		bo = binary.BigEndian
	}
	out := make([]byte, len(vals)*size)
	switch {
	case kind == 'f' && size == 8:
		for i, v := range vals {
			bo.PutUint64(out[i*8:], math.Float64bits(v))
		}
	case kind == 'f' && size == 4:
		for i, v := range vals {
			bo.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
	case kind == 'i' && size == 8:
		for i, v := range vals {
			bo.PutUint64(out[i*8:], uint64(int64(v)))
		}
	case kind == 'i' && size == 4:
		for i, v := range vals {
			bo.PutUint32(out[i*4:], uint32(int32(v)))
		}
	case kind == 'u' && size == 1:
		for i, v := range vals {
			out[i] = byte(uint8(v))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return out, nil
}

// DecodeValues deserializes raw bytes of the given dtype into float64.
func DecodeValues(raw []byte, dtype string) ([]float64, error) {
	order, kind, size, err := parseDtype(dtype)
	if err != nil {
		return nil, err
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("dtype %q: %d bytes not divisible by element size %d", dtype, len(raw), size)
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if order == '>' {
		bo = binary.BigEndian
	}
	n := len(raw) / size
	out := make([]float64, n)
	switch {
	case kind == 'f' && size == 8:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(bo.Uint64(raw[i*8:]))
		}
	case kind == 'f' && size == 4:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(bo.Uint32(raw[i*4:])))
		}
	case kind == 'i' && size == 8:
		for i := 0; i < n; i++ {
			out[i] = float64(int64(bo.Uint64(raw[i*8:])))
		}
	case kind == 'i' && size == 4:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(bo.Uint32(raw[i*4:])))
		}
	case kind == 'u' && size == 1:
		for i := 0; i < n; i++ {
			out[i] = float64(raw[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return out, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
