// Package tiledbstore loads a dense 2-D TileDB array into an in-memory
// dataset. The package is intentionally small: we only support what the
// tile path needs today, a single dense attribute over two integer
// dimensions. The TileDB engine links against native libraries, so the
// real loader sits behind the tiledb build tag and the default build
// carries a stub.
package tiledbstore

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnsupported is returned by the stub loader.
var ErrUnsupported = errors.New("tiledb support not enabled in this build (build server with: go build -tags tiledb)")

// Options tunes a load.
type Options struct {
	// Attribute selects the attribute to read. Empty means the array's
	// first attribute.
	Attribute string
}

// checkPath validates the array location before handing it to the engine.
func checkPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("tiledb array %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("tiledb array %s: not a directory", path)
	}
	return nil
}
