// Package zarrstore publishes a chunked array store on disk as a Dataset.
// The store must carry consolidated metadata; variables are assembled
// from their chunk files on demand, with decoded chunk bytes fronted by
// an in-memory cache so repeated assemblies skip disk and decompression.
package zarrstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/zarr"
)

// Options tunes a store.
type Options struct {
	// ChunkCacheMB bounds the decoded chunk cache. Zero means 64 MiB.
	ChunkCacheMB int
}

type variable struct {
	meta  zarr.ArrayMeta
	attrs map[string]any
	dims  []string
	coord bool
}

// Store reads one consolidated store directory.
type Store struct {
	id   string
	path string

	rootAttrs map[string]any
	vars      map[string]*variable

	chunks *bigcache.BigCache
}

// Open reads the consolidated metadata of the store at path. The dataset
// identifier is required; it namespaces every cache key derived from this
// store.
func Open(id, path string, opts Options) (*Store, error) {
	if id == "" {
		return nil, fmt.Errorf("store %s: dataset identifier is required", path)
	}
	raw, err := os.ReadFile(filepath.Join(path, string(zarr.MetaTypeConsolidated)))
	if err != nil {
		return nil, fmt.Errorf("store %s: consolidated metadata: %w", path, err)
	}
	cons, err := zarr.ParseConsolidated(raw)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}

	s := &Store{
		id:        id,
		path:      path,
		rootAttrs: map[string]any{},
		vars:      map[string]*variable{},
	}
	for key, doc := range cons.Metadata {
		switch zarr.KeyMetaType(key) {
		case zarr.MetaTypeArray:
			name := strings.TrimSuffix(key, "/"+string(zarr.MetaTypeArray))
			if name == key || strings.Contains(name, "/") {
				continue
			}
			var meta zarr.ArrayMeta
			if err := json.Unmarshal(doc, &meta); err != nil {
				return nil, fmt.Errorf("store %s: %s: %w", path, key, err)
			}
			s.variableFor(name).meta = meta
		case zarr.MetaTypeAttrs:
			if key == string(zarr.MetaTypeAttrs) {
				if err := json.Unmarshal(doc, &s.rootAttrs); err != nil {
					return nil, fmt.Errorf("store %s: root attributes: %w", path, err)
				}
				continue
			}
			name := strings.TrimSuffix(key, "/"+string(zarr.MetaTypeAttrs))
			if strings.Contains(name, "/") {
				continue
			}
			attrs := map[string]any{}
			if err := json.Unmarshal(doc, &attrs); err != nil {
				return nil, fmt.Errorf("store %s: %s: %w", path, key, err)
			}
			s.variableFor(name).attrs = attrs
		}
	}
	for name, v := range s.vars {
		if v.meta.ZarrFormat != zarr.FormatVersion {
			return nil, fmt.Errorf("store %s: %s: unsupported format %d", path, name, v.meta.ZarrFormat)
		}
		v.dims = dimsFromAttrs(v.attrs, len(v.meta.Shape))
		v.coord = len(v.dims) == 1 && v.dims[0] == name
	}

	mb := opts.ChunkCacheMB
	if mb == 0 {
		mb = 64
	}
	cacheCfg := bigcache.Config{
		Shards:             256,
		LifeWindow:         10 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 << 20,
		HardMaxCacheSize:   mb,
		Verbose:            false,
	}
	chunks, err := bigcache.New(context.Background(), cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("store %s: chunk cache: %w", path, err)
	}
	s.chunks = chunks
	return s, nil
}

func (s *Store) variableFor(name string) *variable {
	v, ok := s.vars[name]
	if !ok {
		v = &variable{attrs: map[string]any{}}
		s.vars[name] = v
	}
	return v
}

// dimsFromAttrs reads the dimension-name attribute, falling back to
// positional names.
func dimsFromAttrs(attrs map[string]any, rank int) []string {
	if raw, ok := attrs[zarr.DimensionsAttr]; ok {
		if list, ok := raw.([]any); ok && len(list) == rank {
			dims := make([]string, rank)
			good := true
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					good = false
					break
				}
				dims[i] = s
			}
			if good {
				return dims
			}
		}
	}
	dims := make([]string, rank)
	for i := range dims {
		dims[i] = "dim_" + strconv.Itoa(i)
	}
	return dims
}

// Close releases the chunk cache.
func (s *Store) Close() error {
	return s.chunks.Close()
}

func (s *Store) ID() string { return s.id }

func (s *Store) Attrs() map[string]any { return s.rootAttrs }

func (s *Store) VarNames() []string { return s.names(false) }

func (s *Store) CoordNames() []string { return s.names(true) }

func (s *Store) names(coord bool) []string {
	out := make([]string, 0, len(s.vars))
	for name, v := range s.vars {
		if v.coord == coord {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Var assembles a variable from its chunk files. Chunks missing on disk
// are filled with the declared fill value; every present chunk is decoded
// through the declared filters and compressor.
func (s *Store) Var(name string) (*dataset.Array, error) {
	v, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in dataset %q", dataset.ErrVariableNotFound, name, s.id)
	}
	meta := v.meta
	shape := meta.Shape
	chunkShape := meta.Chunks
	if len(shape) == 0 {
		return nil, fmt.Errorf("store %s: %s: scalar arrays are not served", s.path, name)
	}
	if len(chunkShape) != len(shape) {
		return nil, fmt.Errorf("store %s: %s: %d chunk dims for %d shape dims", s.path, name, len(chunkShape), len(shape))
	}
	size := product(shape)
	fill, _ := meta.FillFloat()

	arr := &dataset.Array{
		Name:       name,
		Dims:       append([]string(nil), v.dims...),
		Shape:      append([]int(nil), shape...),
		Chunks:     append([]int(nil), chunkShape...),
		Dtype:      meta.Dtype,
		Data:       make([]float64, size),
		Fill:       &fill,
		Attrs:      publicAttrs(v.attrs),
		Compressor: meta.Compressor,
		Filters:    meta.Filters,
	}
	if size == 0 {
		return arr, nil
	}

	grid := make([]int, len(shape))
	for d := range shape {
		if chunkShape[d] < 1 {
			return nil, fmt.Errorf("store %s: %s: chunk size %d on axis %d", s.path, name, chunkShape[d], d)
		}
		grid[d] = ceilDiv(shape[d], chunkShape[d])
	}

	sep := meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	idx := make([]int, len(grid))
	for {
		if err := s.assembleChunk(arr, meta, name, sep, idx, fill); err != nil {
			return nil, err
		}
		if !nextIndex(idx, grid) {
			break
		}
	}
	return arr, nil
}

// assembleChunk copies one chunk's values into the assembled array,
// trimming the ragged edge.
func (s *Store) assembleChunk(arr *dataset.Array, meta zarr.ArrayMeta, name, sep string, idx []int, fill float64) error {
	key := chunkFileKey(idx, sep)
	vals, err := s.chunkValues(meta, name, key)
	if err != nil {
		return err
	}
	chunkShape := meta.Chunks
	want := product(chunkShape)
	if vals != nil && len(vals) != want {
		return fmt.Errorf("store %s: %s chunk %s: %d values, want %d", s.path, name, key, len(vals), want)
	}

	// Extent of this chunk inside the array, clipped to the shape.
	starts := make([]int, len(idx))
	lens := make([]int, len(idx))
	for d := range idx {
		starts[d] = idx[d] * chunkShape[d]
		lens[d] = min(chunkShape[d], arr.Shape[d]-starts[d])
	}
	dstStrides := cStrides(arr.Shape)
	srcStrides := cStrides(chunkShape)

	pos := make([]int, len(idx))
	for {
		dst := 0
		src := 0
		for d := range pos {
			dst += (starts[d] + pos[d]) * dstStrides[d]
			src += pos[d] * srcStrides[d]
		}
		if vals == nil {
			arr.Data[dst] = fill
		} else {
			arr.Data[dst] = vals[src]
		}
		if !nextIndex(pos, lens) {
			break
		}
	}
	return nil
}

// chunkValues returns the decoded values of one chunk, nil when the chunk
// file does not exist. Decoded bytes are cached.
func (s *Store) chunkValues(meta zarr.ArrayMeta, name, key string) ([]float64, error) {
	cacheKey := name + "/" + key
	if raw, err := s.chunks.Get(cacheKey); err == nil {
		return zarr.DecodeValues(raw, meta.Dtype)
	}
	enc, err := os.ReadFile(filepath.Join(s.path, name, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store %s: read chunk %s/%s: %w", s.path, name, key, err)
	}
	raw, err := zarr.Decode(enc, meta.Filters, meta.Compressor)
	if err != nil {
		return nil, fmt.Errorf("store %s: decode chunk %s/%s: %w", s.path, name, key, err)
	}
	// Best effort: an over-budget chunk just stays uncached.
	_ = s.chunks.Set(cacheKey, raw)
	return zarr.DecodeValues(raw, meta.Dtype)
}

// publicAttrs strips the dimension-name attribute; dimensions are carried
// structurally on the array.
func publicAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == zarr.DimensionsAttr {
			continue
		}
		out[k] = v
	}
	return out
}

func chunkFileKey(idx []int, sep string) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, sep)
}

// nextIndex advances a C-order multi-index; false means the walk is done.
func nextIndex(idx, shape []int) bool {
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

func cStrides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= shape[d]
	}
	return st
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
