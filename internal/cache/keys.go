package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Cache keys pair a readable request path with a hash of the raw
// parameter string, so keys stay debuggable while unusual characters in
// labels or axis names cannot collide after sanitizing. The dataset
// identifier leads every key: two datasets never share an entry, whatever
// their variables are called.

// TileParams is everything that distinguishes one rendered tile from
// another within a dataset.
type TileParams struct {
	Variable string
	Zoom     int
	Col      int
	Row      int
	Format   string
	Time     string
	XAxis    string
	YAxis    string

	// ConfigDigest folds in the renderer and pipeline identity of the
	// serving dataset.
	ConfigDigest string
}

// TileKey builds the cache key of a rendered tile.
func TileKey(datasetID string, p TileParams) string {
	raw := fmt.Sprintf("%s/tiles/%s/%d/%d/%d.%s?time=%s&x=%s&y=%s&cfg=%s",
		datasetID, p.Variable, p.Zoom, p.Col, p.Row, strings.ToLower(p.Format),
		p.Time, p.XAxis, p.YAxis, p.ConfigDigest)
	return fingerprint(raw)
}

// ChunkKey builds the cache key of an encoded chunk.
func ChunkKey(datasetID, variable, chunk string) string {
	return fingerprint(datasetID + "/" + variable + "/" + chunk)
}

// MetaKey builds the cache key of a metadata document.
func MetaKey(datasetID, doc string) string {
	return fingerprint(datasetID + "/" + doc)
}

// DigestConfig hashes configuration identity strings into a short stable
// token for embedding in keys.
func DigestConfig(parts ...string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(parts, "|")))
}

// fingerprint pairs the sanitized raw key with its hash.
func fingerprint(raw string) string {
	return fmt.Sprintf("%s#%016x", sanitize(raw), xxhash.Sum64String(raw))
}

// sanitize keeps keys printable in logs and stats output.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '/', r == '.', r == '-', r == '_', r == '?', r == '&', r == '=':
			return r
		}
		return '_'
	}, s)
}
