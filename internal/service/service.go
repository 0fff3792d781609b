// Package service orchestrates the two serving paths of one published
// dataset: rendered map tiles and chunked-store reads. Both paths run
// through the response cache, so one request identity is computed once
// and concurrent misses collapse into a single computation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/grid"
	"github.com/gridtiles/server/internal/metrics"
	"github.com/gridtiles/server/internal/pipeline"
	"github.com/gridtiles/server/internal/render"
	"github.com/gridtiles/server/internal/zarr"
)

// Config assembles a service for one dataset.
type Config struct {
	Dataset dataset.Dataset

	// CRS selects the tiling scheme. Zero means WebMercatorQuad.
	CRS int

	// XAxis and YAxis name the default spatial dimensions. Empty means
	// x and y.
	XAxis string
	YAxis string

	Renderer render.Renderer
	Pipeline *pipeline.Pipeline
	Cache    *cache.Manager

	// Metrics may be nil.
	Metrics *metrics.Provider
	Logger  zerolog.Logger
}

// Service serves one dataset.
type Service struct {
	ds       dataset.Dataset
	id       string
	resolver *grid.Resolver
	xAxis    string
	yAxis    string
	renderer render.Renderer
	pipe     *pipeline.Pipeline
	cache    *cache.Manager
	metrics  *metrics.Provider
	log      zerolog.Logger

	// cfgDigest folds the renderer and pipeline identity into every tile
	// key, so services with different configurations never share entries.
	cfgDigest string
}

// New validates the assembly. Configuration problems fail here, before
// the dataset is ever served.
func New(cfg Config) (*Service, error) {
	if cfg.Dataset == nil {
		return nil, errors.New("service: dataset is required")
	}
	id := cfg.Dataset.ID()
	if id == "" {
		return nil, errors.New("service: dataset identifier is required")
	}
	crs := cfg.CRS
	if crs == 0 {
		crs = 3857
	}
	resolver, err := grid.New(crs)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", id, err)
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("service %s: renderer is required", id)
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("service %s: cache is required", id)
	}
	xAxis := cfg.XAxis
	if xAxis == "" {
		xAxis = "x"
	}
	yAxis := cfg.YAxis
	if yAxis == "" {
		yAxis = "y"
	}
	digestParts := append([]string{cfg.Renderer.Describe()}, cfg.Pipeline.Names()...)
	return &Service{
		ds:        cfg.Dataset,
		id:        id,
		resolver:  resolver,
		xAxis:     xAxis,
		yAxis:     yAxis,
		renderer:  cfg.Renderer,
		pipe:      cfg.Pipeline,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		cfgDigest: cache.DigestConfig(digestParts...),
	}, nil
}

// ID returns the dataset identifier.
func (s *Service) ID() string { return s.id }

// Dataset returns the served dataset.
func (s *Service) Dataset() dataset.Dataset { return s.ds }

// Scheme returns the tiling scheme tiles are addressed in.
func (s *Service) Scheme() grid.Scheme { return s.resolver.Scheme() }

// TileRequest addresses one rendered tile.
type TileRequest struct {
	Variable string
	Zoom     int
	Col      int
	Row      int

	// Format is the image format. Empty means png.
	Format string

	// Time selects a label on the time axis. Empty skips the axis.
	Time string

	// XAxis and YAxis override the service's spatial axis names.
	XAxis string
	YAxis string
}

// Tile renders (or serves from cache) one map tile.
func (s *Service) Tile(ctx context.Context, req TileRequest) (*cache.Entry, error) {
	format := req.Format
	if format == "" {
		format = "png"
	}
	mediaType, err := render.MediaType(format)
	if err != nil {
		return nil, err
	}
	xAxis := req.XAxis
	if xAxis == "" {
		xAxis = s.xAxis
	}
	yAxis := req.YAxis
	if yAxis == "" {
		yAxis = s.yAxis
	}
	key := cache.TileKey(s.id, cache.TileParams{
		Variable:     req.Variable,
		Zoom:         req.Zoom,
		Col:          req.Col,
		Row:          req.Row,
		Format:       format,
		Time:         req.Time,
		XAxis:        xAxis,
		YAxis:        yAxis,
		ConfigDigest: s.cfgDigest,
	})
	entry, hit, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*cache.Entry, error) {
		payload, rerr := s.renderTile(ctx, req, format, xAxis, yAxis)
		if rerr != nil {
			return nil, rerr
		}
		return &cache.Entry{Payload: payload, MediaType: mediaType}, nil
	})
	if err != nil {
		return nil, err
	}
	if !hit {
		if s.metrics != nil {
			s.metrics.RenderSeconds.WithLabelValues(s.id).Observe(entry.Cost.Seconds())
		}
		s.log.Debug().
			Str("dataset", s.id).
			Str("variable", req.Variable).
			Int("zoom", req.Zoom).Int("col", req.Col).Int("row", req.Row).
			Dur("cost", entry.Cost).
			Msg("tile rendered")
	}
	return entry, nil
}

// renderTile is the miss path: resolve, select, transform, render,
// encode.
func (s *Service) renderTile(ctx context.Context, req TileRequest, format, xAxis, yAxis string) ([]byte, error) {
	bound, err := s.resolver.Resolve(req.Zoom, req.Col, req.Row)
	if err != nil {
		return nil, err
	}
	sel := dataset.BuildSelection(bound, req.Time, xAxis, yAxis)

	ds, err := s.pipe.ApplyPreSelection(ctx, s.ds)
	if err != nil {
		return nil, err
	}
	arr, err := dataset.ApplySelection(ds, req.Variable, sel)
	if err != nil {
		return nil, err
	}
	arr, err = s.pipe.ApplyPostSelection(ctx, arr)
	if err != nil {
		return nil, err
	}
	im, err := s.renderer.Render(arr)
	if err != nil {
		return nil, err
	}
	im, err = s.pipe.ApplyPostRender(ctx, im)
	if err != nil {
		return nil, err
	}
	return im.Encode(format)
}

// Chunk serves one store key of a variable: its metadata documents or an
// encoded data chunk. Data chunks run through the variable's declared
// filters and compressor and are cached by their full identity.
func (s *Service) Chunk(ctx context.Context, variable, key string) (*cache.Entry, error) {
	switch zarr.KeyMetaType(key) {
	case zarr.MetaTypeGroup:
		// The store is flat; any group lookup below the root misses.
		return nil, fmt.Errorf("%w: %s/%s", zarr.ErrNoSubgroups, s.id, variable)
	case zarr.MetaTypeConsolidated:
		return nil, fmt.Errorf("%w: %q", zarr.ErrChunkAddress, key)
	case zarr.MetaTypeArray:
		doc, err := s.ArrayDoc(variable)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Payload: doc, MediaType: "application/json"}, nil
	case zarr.MetaTypeAttrs:
		doc, err := s.ArrayAttrsDoc(variable)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Payload: doc, MediaType: "application/json"}, nil
	}

	cacheKey := cache.ChunkKey(s.id, variable, key)
	entry, hit, err := s.cache.GetOrCompute(ctx, cacheKey, func(ctx context.Context) (*cache.Entry, error) {
		arr, verr := s.ds.Var(variable)
		if verr != nil {
			return nil, verr
		}
		raw, cerr := zarr.DataChunk(arr, key)
		if cerr != nil {
			return nil, cerr
		}
		enc, eerr := zarr.Encode(raw, arr.Filters, arr.Compressor)
		if eerr != nil {
			return nil, eerr
		}
		return &cache.Entry{Payload: enc, MediaType: "application/octet-stream"}, nil
	})
	if err != nil {
		return nil, err
	}
	if !hit && s.metrics != nil {
		s.metrics.ChunkSeconds.WithLabelValues(s.id).Observe(entry.Cost.Seconds())
	}
	return entry, nil
}

// Consolidated serves the store's combined metadata document.
func (s *Service) Consolidated() ([]byte, error) {
	return s.metaDoc(string(zarr.MetaTypeConsolidated), func() (any, error) {
		return zarr.BuildConsolidated(s.ds)
	})
}

// GroupDoc serves the root group document.
func (s *Service) GroupDoc() ([]byte, error) {
	return s.metaDoc(string(zarr.MetaTypeGroup), func() (any, error) {
		return zarr.GroupMeta(), nil
	})
}

// AttrsDoc serves the root attributes document.
func (s *Service) AttrsDoc() ([]byte, error) {
	return s.metaDoc(string(zarr.MetaTypeAttrs), func() (any, error) {
		return s.ds.Attrs(), nil
	})
}

// ArrayDoc serves one variable's array document.
func (s *Service) ArrayDoc(variable string) ([]byte, error) {
	return s.metaDoc(variable+"/"+string(zarr.MetaTypeArray), func() (any, error) {
		arr, err := s.ds.Var(variable)
		if err != nil {
			return nil, err
		}
		return zarr.NewArrayMeta(arr), nil
	})
}

// ArrayAttrsDoc serves one variable's attribute document.
func (s *Service) ArrayAttrsDoc(variable string) ([]byte, error) {
	return s.metaDoc(variable+"/"+string(zarr.MetaTypeAttrs), func() (any, error) {
		arr, err := s.ds.Var(variable)
		if err != nil {
			return nil, err
		}
		return zarr.ArrayAttrs(arr), nil
	})
}

// metaDoc builds a metadata document once and keeps it in the document
// tier. Documents are tiny and dataset-static, so staleness is not a
// concern.
func (s *Service) metaDoc(name string, build func() (any, error)) ([]byte, error) {
	key := cache.MetaKey(s.id, name)
	if doc, ok := s.cache.GetDoc(key); ok {
		return doc, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s.cache.PutDoc(key, doc)
	return doc, nil
}

// Info summarizes the dataset for listings.
type Info struct {
	ID        string         `json:"id"`
	CRS       int            `json:"crs"`
	Scheme    string         `json:"tiling_scheme"`
	Variables []string       `json:"variables"`
	Coords    []string       `json:"coordinates"`
	Attrs     map[string]any `json:"attributes"`
}

// Info describes the served dataset.
func (s *Service) Info() Info {
	scheme := s.resolver.Scheme()
	return Info{
		ID:        s.id,
		CRS:       scheme.CRS,
		Scheme:    scheme.Name,
		Variables: s.ds.VarNames(),
		Coords:    s.ds.CoordNames(),
		Attrs:     s.ds.Attrs(),
	}
}
