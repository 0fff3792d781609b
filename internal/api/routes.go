// Package api provides the HTTP surface of the tile server: dataset
// listings, rendered map tiles and the chunked-store protocol, all scoped
// by dataset identifier.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/grid"
	"github.com/gridtiles/server/internal/metrics"
	"github.com/gridtiles/server/internal/render"
	"github.com/gridtiles/server/internal/service"
	"github.com/gridtiles/server/internal/zarr"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *Registry
	CORSOrigins []string
	Logger      zerolog.Logger

	// Metrics may be nil; the /metrics route is only mounted when set.
	Metrics *metrics.Provider
}

// NewRouter creates the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Metrics != nil {
		r.Use(countRequests(cfg.Metrics))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Get("/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /datasets/{dataset}/...
	r.Route("/datasets/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/", datasetInfoHandler)

		r.Get("/tiles/{variable}/{z}/{x}/{y}", tileHandler)

		// Chunked-store protocol.
		r.Get("/zarr/.zmetadata", consolidatedHandler)
		r.Get("/zarr/.zgroup", groupHandler)
		r.Get("/zarr/.zattrs", attrsHandler)
		r.Get("/zarr/{variable}/{key}", chunkHandler)
	})

	return r
}

type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset path parameter and injects its
// service into the request context.
func datasetMiddleware(reg *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "dataset")
			svc := reg.Get(id)
			if svc == nil {
				http.Error(w, "dataset not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getService(r *http.Request) *service.Service {
	svc, _ := r.Context().Value(datasetServiceKey).(*service.Service)
	return svc
}

func datasetsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"datasets": reg.Infos(),
		})
	}
}

func datasetInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getService(r).Info())
}

// tileHandler serves GET .../tiles/{variable}/{z}/{x}/{y}. The y segment
// may carry an extension, so .../3/2/1.png addresses the same tile as
// .../3/2/1?format=png.
func tileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getService(r)

	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		http.Error(w, "invalid z", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return
	}
	yParam := chi.URLParam(r, "y")
	format := r.URL.Query().Get("format")
	if dot := strings.IndexByte(yParam, '.'); dot >= 0 {
		if format == "" {
			format = yParam[dot+1:]
		}
		yParam = yParam[:dot]
	}
	y, err := strconv.Atoi(yParam)
	if err != nil {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	entry, err := svc.Tile(r.Context(), service.TileRequest{
		Variable: chi.URLParam(r, "variable"),
		Zoom:     z,
		Col:      x,
		Row:      y,
		Format:   format,
		Time:     q.Get("time"),
		XAxis:    q.Get("xdim"),
		YAxis:    q.Get("ydim"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeEntry(w, entry)
}

func chunkHandler(w http.ResponseWriter, r *http.Request) {
	svc := getService(r)
	entry, err := svc.Chunk(r.Context(), chi.URLParam(r, "variable"), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeEntry(w, entry)
}

func consolidatedHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := getService(r).Consolidated()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeDoc(w, doc)
}

func groupHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := getService(r).GroupDoc()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeDoc(w, doc)
}

func attrsHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := getService(r).AttrsDoc()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeDoc(w, doc)
}

// writeServiceError maps the serving error classes onto status codes.
// Unclassified errors are internal.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dataset.ErrOutOfDomain):
		http.Error(w, err.Error(), http.StatusNotAcceptable)
	case errors.Is(err, render.ErrUnsupportedFormat),
		errors.Is(err, grid.ErrTileRange),
		errors.Is(err, dataset.ErrNoCoordinate):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dataset.ErrVariableNotFound),
		errors.Is(err, zarr.ErrChunkAddress),
		errors.Is(err, zarr.ErrNoSubgroups):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeEntry(w http.ResponseWriter, entry *cache.Entry) {
	w.Header().Set("Content-Type", entry.MediaType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Payload)
}

func writeDoc(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
