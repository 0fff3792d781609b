// Package grid resolves tile addresses on the named quad tile matrix sets
// the server publishes maps in. Each scheme fixes a projected extent and a
// level-0 matrix; level z splits every level-0 tile into 2^z by 2^z parts.
// Row 0 is the top row.
package grid

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
)

// ErrTileRange reports a tile address outside the scheme's matrix.
var ErrTileRange = errors.New("tile address out of range")

// Scheme is one quad tile matrix set keyed by its CRS code.
type Scheme struct {
	Name   string
	CRS    int
	Extent orb.Bound

	// Matrix shape at zoom 0; most schemes are a single tile, CRS84 is two
	// side by side.
	Cols0 int
	Rows0 int
}

var schemes = map[int]Scheme{
	3857: {
		Name:   "WebMercatorQuad",
		CRS:    3857,
		Extent: bound(-20037508.342789244, -20037508.342789244, 20037508.342789244, 20037508.342789244),
		Cols0:  1, Rows0: 1,
	},
	4326: {
		Name:   "WorldCRS84Quad",
		CRS:    4326,
		Extent: bound(-180, -90, 180, 90),
		Cols0:  2, Rows0: 1,
	},
	3395: {
		Name:   "WorldMercatorWGS84Quad",
		CRS:    3395,
		Extent: bound(-20037508.342789244, -20037508.342789244, 20037508.342789244, 20037508.342789244),
		Cols0:  1, Rows0: 1,
	},
	3035: {
		Name:   "EuropeanETRS89_LAEAQuad",
		CRS:    3035,
		Extent: bound(2000000, 1000000, 6500000, 5500000),
		Cols0:  1, Rows0: 1,
	},
	32631: {
		Name:   "UTM31WGS84Quad",
		CRS:    32631,
		Extent: bound(-9501965.72931276, -9501965.72931276, 10501965.72931276, 10501965.72931276),
		Cols0:  1, Rows0: 1,
	},
	5041: {
		Name:   "UPSAntarcticWGS84Quad",
		CRS:    5041,
		Extent: bound(-14440759.350252, -14440759.350252, 18440759.350252, 18440759.350252),
		Cols0:  1, Rows0: 1,
	},
	5482: {
		Name:   "LINZAntarticaMapTilegrid",
		CRS:    5482,
		Extent: bound(-918457.73, -3681687.06, 3217821.46, 454508.81),
		Cols0:  1, Rows0: 1,
	},
	3978: {
		Name:   "CanadianNAD83_LCC",
		CRS:    3978,
		Extent: bound(-7786476.885838887, -5153821.09213678, 7148753.233541353, 7928343.534071138),
		Cols0:  1, Rows0: 1,
	},
	2193: {
		Name:   "NZTM2000Quad",
		CRS:    2193,
		Extent: bound(-3260586.7284, 419435.9938, 6758167.443, 10438190.1652),
		Cols0:  1, Rows0: 1,
	},
}

func bound(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

// SupportedCRS lists the CRS codes with a registered scheme, sorted.
func SupportedCRS() []int {
	out := make([]int, 0, len(schemes))
	for crs := range schemes {
		out = append(out, crs)
	}
	sort.Ints(out)
	return out
}

// SchemeFor returns the scheme registered for a CRS code.
func SchemeFor(crs int) (Scheme, bool) {
	s, ok := schemes[crs]
	return s, ok
}

// TileBounds returns the projected bound of one tile. Column 0 starts at
// the extent's west edge, row 0 at its north edge.
func (s Scheme) TileBounds(zoom, col, row int) (orb.Bound, error) {
	if zoom < 0 || zoom > 30 {
		return orb.Bound{}, fmt.Errorf("%w: zoom %d", ErrTileRange, zoom)
	}
	cols := s.Cols0 << uint(zoom)
	rows := s.Rows0 << uint(zoom)
	if col < 0 || col >= cols {
		return orb.Bound{}, fmt.Errorf("%w: col %d of %d at zoom %d", ErrTileRange, col, cols, zoom)
	}
	if row < 0 || row >= rows {
		return orb.Bound{}, fmt.Errorf("%w: row %d of %d at zoom %d", ErrTileRange, row, rows, zoom)
	}
	spanX := (s.Extent.Max.X() - s.Extent.Min.X()) / float64(cols)
	spanY := (s.Extent.Max.Y() - s.Extent.Min.Y()) / float64(rows)
	minX := s.Extent.Min.X() + float64(col)*spanX
	maxY := s.Extent.Max.Y() - float64(row)*spanY
	return bound(minX, maxY-spanY, minX+spanX, maxY), nil
}

// Resolver maps tile addresses of one configured scheme to projected
// bounds. Address validation is the scheme's job; the resolver passes its
// errors through untouched.
type Resolver struct {
	scheme Scheme
}

// New builds a resolver for a CRS code. An unregistered code is a
// configuration error naming the supported set.
func New(crs int) (*Resolver, error) {
	s, ok := schemes[crs]
	if !ok {
		codes := SupportedCRS()
		parts := make([]string, len(codes))
		for i, c := range codes {
			parts[i] = fmt.Sprintf("%d", c)
		}
		return nil, fmt.Errorf("unsupported CRS %d, supported: %s", crs, strings.Join(parts, ", "))
	}
	return &Resolver{scheme: s}, nil
}

// Scheme returns the resolved tiling scheme.
func (r *Resolver) Scheme() Scheme { return r.scheme }

// Resolve returns the projected bound of the addressed tile.
func (r *Resolver) Resolve(zoom, col, row int) (orb.Bound, error) {
	return r.scheme.TileBounds(zoom, col, row)
}
