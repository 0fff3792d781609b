package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/pipeline"
	"github.com/gridtiles/server/internal/render"
	"github.com/gridtiles/server/internal/zarr"
)

// globalDataset builds a dataset covering the whole WorldCRS84Quad extent:
// x holds the centers of the zoom-2 columns, y the centers of the zoom-2
// rows, so every zoom-2 tile selects exactly one cell.
func globalDataset(t *testing.T) *dataset.Memory {
	t.Helper()

	ds, err := dataset.NewMemory("demo", map[string]any{"title": "demo dataset"})
	if err != nil {
		t.Fatal(err)
	}
	xs := make([]float64, 8)
	for i := range xs {
		xs[i] = -157.5 + 45*float64(i)
	}
	ys := []float64{67.5, 22.5, -22.5, -67.5}
	if err := ds.AddCoord(&dataset.Array{
		Name: "x", Dims: []string{"x"}, Shape: []int{8}, Dtype: "<f8", Data: xs,
	}); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddCoord(&dataset.Array{
		Name: "y", Dims: []string{"y"}, Shape: []int{4}, Dtype: "<f8", Data: ys,
	}); err != nil {
		t.Fatal(err)
	}
	temp := make([]float64, 32)
	for i := range temp {
		temp[i] = float64(i)
	}
	if err := ds.AddVar(&dataset.Array{
		Name: "temp", Dims: []string{"y", "x"}, Shape: []int{4, 8},
		Chunks: []int{2, 2}, Dtype: "<f8", Data: temp,
		Compressor: &dataset.Compressor{ID: "gzip"},
	}); err != nil {
		t.Fatal(err)
	}
	return ds
}

func testService(t *testing.T, ds dataset.Dataset, p *pipeline.Pipeline) *Service {
	t.Helper()

	renderer, err := render.New(render.Config{Backend: "raster"})
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := cache.NewManager(cache.Config{})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := New(Config{
		Dataset:  ds,
		CRS:      4326,
		Renderer: renderer,
		Pipeline: p,
		Cache:    mgr,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	renderer, err := render.New(render.Config{})
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := cache.NewManager(cache.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ds := globalDataset(t)

	if _, err := New(Config{Renderer: renderer, Cache: mgr}); err == nil {
		t.Error("expected error for missing dataset")
	}
	if _, err := New(Config{Dataset: ds, Cache: mgr}); err == nil {
		t.Error("expected error for missing renderer")
	}
	if _, err := New(Config{Dataset: ds, Renderer: renderer}); err == nil {
		t.Error("expected error for missing cache")
	}
	if _, err := New(Config{Dataset: ds, Renderer: renderer, Cache: mgr, CRS: 9999}); err == nil {
		t.Error("expected error for unsupported CRS")
	}

	svc, err := New(Config{Dataset: ds, Renderer: renderer, Cache: mgr, CRS: 4326})
	if err != nil {
		t.Fatal(err)
	}
	if svc.ID() != "demo" {
		t.Errorf("expected dataset id demo, got %q", svc.ID())
	}
	if got := svc.Scheme().Name; got != "WorldCRS84Quad" {
		t.Errorf("expected WorldCRS84Quad, got %q", got)
	}
}

func TestTileRenderAndCacheHit(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)
	req := TileRequest{Variable: "temp", Zoom: 2, Col: 1, Row: 1, Format: "PNG"}

	first, err := svc.Tile(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.MediaType != "image/png" {
		t.Errorf("expected image/png, got %q", first.MediaType)
	}
	if len(first.Payload) < 8 {
		t.Fatalf("payload too short: %d bytes", len(first.Payload))
	}
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	for i, b := range pngMagic {
		if first.Payload[i] != b {
			t.Fatalf("payload is not a PNG at byte %d", i)
		}
	}
	if first.Size != len(first.Payload) {
		t.Errorf("expected size %d, got %d", len(first.Payload), first.Size)
	}

	second, err := svc.Tile(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if string(second.Payload) != string(first.Payload) {
		t.Error("cached tile differs from the rendered one")
	}
	// Same parameters, fresh computation: bytes must be identical.
	svc.cache.Purge()
	third, err := svc.Tile(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if string(third.Payload) != string(first.Payload) {
		t.Error("repeated render is not deterministic")
	}
}

func TestTileDefaultFormat(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)
	entry, err := svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 0, Col: 0, Row: 0})
	if err != nil {
		t.Fatal(err)
	}
	if entry.MediaType != "image/png" {
		t.Errorf("expected image/png for the default format, got %q", entry.MediaType)
	}
}

func TestTileUnsupportedFormat(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)
	_, err := svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 0, Col: 0, Row: 0, Format: "tiff"})
	if !errors.Is(err, render.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestTileOutOfDomain(t *testing.T) {
	t.Parallel()

	ds, err := dataset.NewMemory("small", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.AddCoord(&dataset.Array{
		Name: "x", Dims: []string{"x"}, Shape: []int{3}, Dtype: "<f8", Data: []float64{-30, 0, 30},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddCoord(&dataset.Array{
		Name: "y", Dims: []string{"y"}, Shape: []int{3}, Dtype: "<f8", Data: []float64{30, 0, -30},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddVar(&dataset.Array{
		Name: "temp", Dims: []string{"y", "x"}, Shape: []int{3, 3}, Dtype: "<f8",
		Data: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9},
	}); err != nil {
		t.Fatal(err)
	}
	svc := testService(t, ds, nil)

	// Zoom-2 column 0 covers x in [-180, -135), entirely west of the data.
	_, err = svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 2, Col: 0, Row: 0})
	if !errors.Is(err, dataset.ErrOutOfDomain) {
		t.Errorf("expected ErrOutOfDomain, got %v", err)
	}

	// The intersecting tile still renders.
	if _, err := svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 2, Col: 3, Row: 1}); err != nil {
		t.Errorf("intersecting tile failed: %v", err)
	}
}

func TestTileUnknownVariable(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)
	_, err := svc.Tile(context.Background(), TileRequest{Variable: "salinity", Zoom: 0, Col: 0, Row: 0})
	if !errors.Is(err, dataset.ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}
}

func TestTileTimeSelection(t *testing.T) {
	t.Parallel()

	ds, err := dataset.NewMemory("timed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.AddCoord(&dataset.Array{
		Name: "x", Dims: []string{"x"}, Shape: []int{2}, Dtype: "<f8", Data: []float64{-90, 90},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddCoord(&dataset.Array{
		Name: "y", Dims: []string{"y"}, Shape: []int{2}, Dtype: "<f8", Data: []float64{45, -45},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddCoord(&dataset.Array{
		Name: "time", Dims: []string{"time"}, Shape: []int{2}, Dtype: "<f8",
		Data: []float64{0, 1}, Labels: []string{"2024-01-01", "2024-01-02"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddVar(&dataset.Array{
		Name: "temp", Dims: []string{"time", "y", "x"}, Shape: []int{2, 2, 2}, Dtype: "<f8",
		Data: []float64{5, 5, 5, 5, 0, 10, 20, 30},
	}); err != nil {
		t.Fatal(err)
	}
	svc := testService(t, ds, nil)

	day1, err := svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 0, Col: 0, Row: 0, Time: "2024-01-01"})
	if err != nil {
		t.Fatal(err)
	}
	day2, err := svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 0, Col: 0, Row: 0, Time: "2024-01-02"})
	if err != nil {
		t.Fatal(err)
	}
	if string(day1.Payload) == string(day2.Payload) {
		t.Error("different time labels rendered identical tiles")
	}

	_, err = svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 0, Col: 0, Row: 0, Time: "2024-06-01"})
	if !errors.Is(err, dataset.ErrOutOfDomain) {
		t.Errorf("expected ErrOutOfDomain for an unknown time label, got %v", err)
	}
}

func TestTilePipelineStagesRunOnce(t *testing.T) {
	t.Parallel()

	var preRuns, postRuns, imageRuns atomic.Int32
	var postSawDoubled bool
	p, err := pipeline.New(
		pipeline.PreSelection("pass", func(ctx context.Context, ds dataset.Dataset) (dataset.Dataset, error) {
			preRuns.Add(1)
			return ds, nil
		}),
		pipeline.PostSelection("double", func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
			postRuns.Add(1)
			out := arr.Clone()
			for i := range out.Data {
				out.Data[i] *= 2
			}
			return out, nil
		}),
		pipeline.PostSelection("check", func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
			// Runs after "double", so the selected cell value is even.
			postSawDoubled = len(arr.Data) > 0 && arr.Data[0] == 2*9
			return arr, nil
		}),
		pipeline.PostRender("stamp", func(ctx context.Context, im *render.Image) (*render.Image, error) {
			imageRuns.Add(1)
			return im, nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	svc := testService(t, globalDataset(t), p)

	// Zoom 2, col 1, row 1 selects the single cell at y=22.5, x=-112.5,
	// which holds 9 before the pipeline doubles it.
	if _, err := svc.Tile(context.Background(), TileRequest{Variable: "temp", Zoom: 2, Col: 1, Row: 1}); err != nil {
		t.Fatal(err)
	}
	if preRuns.Load() != 1 || postRuns.Load() != 1 || imageRuns.Load() != 1 {
		t.Errorf("expected each stage once, got pre=%d post=%d image=%d",
			preRuns.Load(), postRuns.Load(), imageRuns.Load())
	}
	if !postSawDoubled {
		t.Error("post-selection transforms did not run in registration order over the selected block")
	}
}

func TestTilePipelineErrorNotCached(t *testing.T) {
	t.Parallel()

	boom := errors.New("transform exploded")
	var runs atomic.Int32
	p, err := pipeline.New(
		pipeline.PostSelection("boom", func(ctx context.Context, arr *dataset.Array) (*dataset.Array, error) {
			runs.Add(1)
			return nil, boom
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	svc := testService(t, globalDataset(t), p)
	req := TileRequest{Variable: "temp", Zoom: 0, Col: 0, Row: 0}

	if _, err := svc.Tile(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("expected the transform error unchanged, got %v", err)
	}
	// A second request recomputes: the failure was not stored.
	if _, err := svc.Tile(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("expected the transform error again, got %v", err)
	}
	if runs.Load() != 2 {
		t.Errorf("expected 2 computations, got %d", runs.Load())
	}
}

func TestChunkDataGzip(t *testing.T) {
	t.Parallel()

	ds := globalDataset(t)
	svc := testService(t, ds, nil)

	entry, err := svc.Chunk(context.Background(), "temp", "0.0")
	if err != nil {
		t.Fatal(err)
	}
	if entry.MediaType != "application/octet-stream" {
		t.Errorf("expected application/octet-stream, got %q", entry.MediaType)
	}

	arr, err := ds.Var("temp")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := zarr.DataChunk(arr, "0.0")
	if err != nil {
		t.Fatal(err)
	}
	want, err := zarr.Encode(raw, arr.Filters, arr.Compressor)
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Payload) != string(want) {
		t.Error("served chunk differs from encoding the raw block")
	}

	// The payload must decode back to the chunk values through the
	// declared codec chain.
	dec, err := zarr.Decode(entry.Payload, arr.Filters, arr.Compressor)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := zarr.DecodeValues(dec, arr.Dtype)
	if err != nil {
		t.Fatal(err)
	}
	// Chunk (0,0) of the 4x8 array with 2x2 chunks holds rows 0-1, cols 0-1.
	wantVals := []float64{0, 1, 8, 9}
	if len(vals) != len(wantVals) {
		t.Fatalf("expected %d values, got %d", len(wantVals), len(vals))
	}
	for i, v := range wantVals {
		if vals[i] != v {
			t.Errorf("value %d: expected %g, got %g", i, v, vals[i])
		}
	}

	again, err := svc.Chunk(context.Background(), "temp", "0.0")
	if err != nil {
		t.Fatal(err)
	}
	if string(again.Payload) != string(entry.Payload) {
		t.Error("cached chunk differs from the computed one")
	}
}

func TestChunkAddressErrors(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)

	for _, key := range []string{"9.9", "0", "0.0.0", "a.b", "-1.0"} {
		if _, err := svc.Chunk(context.Background(), "temp", key); !errors.Is(err, zarr.ErrChunkAddress) {
			t.Errorf("key %q: expected ErrChunkAddress, got %v", key, err)
		}
	}
	if _, err := svc.Chunk(context.Background(), "missing", "0.0"); !errors.Is(err, dataset.ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}
}

func TestChunkMetadataDispatch(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)

	entry, err := svc.Chunk(context.Background(), "temp", ".zarray")
	if err != nil {
		t.Fatal(err)
	}
	if entry.MediaType != "application/json" {
		t.Errorf("expected application/json, got %q", entry.MediaType)
	}
	var meta zarr.ArrayMeta
	if err := json.Unmarshal(entry.Payload, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ZarrFormat != 2 || meta.Dtype != "<f8" {
		t.Errorf("unexpected array document %+v", meta)
	}
	if len(meta.Shape) != 2 || meta.Shape[0] != 4 || meta.Shape[1] != 8 {
		t.Errorf("unexpected shape %v", meta.Shape)
	}

	entry, err = svc.Chunk(context.Background(), "temp", ".zattrs")
	if err != nil {
		t.Fatal(err)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(entry.Payload, &attrs); err != nil {
		t.Fatal(err)
	}
	if _, ok := attrs[zarr.DimensionsAttr]; !ok {
		t.Errorf("array attributes missing %s: %v", zarr.DimensionsAttr, attrs)
	}

	if _, err := svc.Chunk(context.Background(), "temp", ".zgroup"); !errors.Is(err, zarr.ErrNoSubgroups) {
		t.Errorf("expected ErrNoSubgroups, got %v", err)
	}
	if _, err := svc.Chunk(context.Background(), "temp", ".zmetadata"); !errors.Is(err, zarr.ErrChunkAddress) {
		t.Errorf("expected ErrChunkAddress for a consolidated key below root, got %v", err)
	}
}

func TestMetadataDocuments(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)

	doc, err := svc.Consolidated()
	if err != nil {
		t.Fatal(err)
	}
	cons, err := zarr.ParseConsolidated(doc)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{".zgroup", ".zattrs", "temp/.zarray", "temp/.zattrs", "x/.zarray", "y/.zarray"} {
		if _, ok := cons.Metadata[key]; !ok {
			t.Errorf("consolidated metadata missing %q", key)
		}
	}

	// The document tier serves the same bytes on repeat.
	again, err := svc.Consolidated()
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(doc) {
		t.Error("repeated consolidated document differs")
	}

	group, err := svc.GroupDoc()
	if err != nil {
		t.Fatal(err)
	}
	var g map[string]int
	if err := json.Unmarshal(group, &g); err != nil {
		t.Fatal(err)
	}
	if g["zarr_format"] != 2 {
		t.Errorf("unexpected group document %v", g)
	}

	attrs, err := svc.AttrsDoc()
	if err != nil {
		t.Fatal(err)
	}
	var a map[string]any
	if err := json.Unmarshal(attrs, &a); err != nil {
		t.Fatal(err)
	}
	if a["title"] != "demo dataset" {
		t.Errorf("unexpected root attributes %v", a)
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	svc := testService(t, globalDataset(t), nil)
	info := svc.Info()
	if info.ID != "demo" || info.CRS != 4326 || info.Scheme != "WorldCRS84Quad" {
		t.Errorf("unexpected info %+v", info)
	}
	if len(info.Variables) != 1 || info.Variables[0] != "temp" {
		t.Errorf("unexpected variables %v", info.Variables)
	}
	if len(info.Coords) != 2 {
		t.Errorf("unexpected coordinates %v", info.Coords)
	}
}
