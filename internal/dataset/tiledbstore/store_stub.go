//go:build !tiledb

package tiledbstore

import "github.com/gridtiles/server/internal/dataset"

// Supported reports whether this build can load TileDB arrays.
func Supported() bool { return false }

// Open validates the path, then reports that this build cannot read it.
func Open(id, path string, opts Options) (*dataset.Memory, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}
