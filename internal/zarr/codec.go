// Package zarr implements the chunked-array wire conventions the server
// speaks: the chunk byte codec (filters then compression), chunk key
// addressing and extraction, and the consolidated metadata documents.
package zarr

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/gridtiles/server/internal/dataset"
)

// Encode runs raw chunk bytes through the declared filters in order, then
// the compressor. A nil compressor and empty filter list return the input
// unchanged. The output is deterministic for fixed declarations.
func Encode(raw []byte, filters []dataset.Filter, comp *dataset.Compressor) ([]byte, error) {
	buf := raw
	for _, f := range filters {
		out, err := applyFilter(buf, f)
		if err != nil {
			return nil, err
		}
		buf = out
	}
	return compress(buf, comp)
}

// Decode inverts Encode: decompress first, then undo the filters in
// reverse order.
func Decode(enc []byte, filters []dataset.Filter, comp *dataset.Compressor) ([]byte, error) {
	buf, err := decompress(enc, comp)
	if err != nil {
		return nil, err
	}
	for i := len(filters) - 1; i >= 0; i-- {
		out, err := invertFilter(buf, filters[i])
		if err != nil {
			return nil, err
		}
		buf = out
	}
	return buf, nil
}

func applyFilter(in []byte, f dataset.Filter) ([]byte, error) {
	switch f.ID {
	case "shuffle":
		return shuffle(in, f.ElementSize)
	}
	return nil, fmt.Errorf("unknown filter %q", f.ID)
}

func invertFilter(in []byte, f dataset.Filter) ([]byte, error) {
	switch f.ID {
	case "shuffle":
		return unshuffle(in, f.ElementSize)
	}
	return nil, fmt.Errorf("unknown filter %q", f.ID)
}

// shuffle groups the i-th byte of every element together, which helps the
// downstream compressor on slowly varying numeric data.
func shuffle(in []byte, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("shuffle filter: elementsize is required")
	}
	if len(in)%size != 0 {
		return nil, fmt.Errorf("shuffle filter: %d bytes not divisible by elementsize %d", len(in), size)
	}
	if size == 1 {
		return append([]byte(nil), in...), nil
	}
	count := len(in) / size
	out := make([]byte, len(in))
	for i := 0; i < count; i++ {
		for j := 0; j < size; j++ {
			out[j*count+i] = in[i*size+j]
		}
	}
	return out, nil
}

func unshuffle(in []byte, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("shuffle filter: elementsize is required")
	}
	if len(in)%size != 0 {
		return nil, fmt.Errorf("shuffle filter: %d bytes not divisible by elementsize %d", len(in), size)
	}
	if size == 1 {
		return append([]byte(nil), in...), nil
	}
	count := len(in) / size
	out := make([]byte, len(in))
	for i := 0; i < count; i++ {
		for j := 0; j < size; j++ {
			out[i*size+j] = in[j*count+i]
		}
	}
	return out, nil
}

func compress(in []byte, comp *dataset.Compressor) ([]byte, error) {
	if comp == nil {
		return in, nil
	}
	switch comp.ID {
	case "gzip":
		var buf bytes.Buffer
		level := comp.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("gzip level %d: %w", level, err)
		}
		if _, err := w.Write(in); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zlib":
		var buf bytes.Buffer
		level := comp.Level
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("zlib level %d: %w", level, err)
		}
		if _, err := w.Write(in); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstdLevel(comp.Level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(in, nil), nil
	}
	return nil, fmt.Errorf("unknown compressor %q", comp.ID)
}

func decompress(in []byte, comp *dataset.Compressor) ([]byte, error) {
	if comp == nil {
		return in, nil
	}
	switch comp.ID {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zlib":
		r, err := zlib.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(in, nil)
	}
	return nil, fmt.Errorf("unknown compressor %q", comp.ID)
}

// zstdLevel maps a declared zstd level onto the encoder presets. Zero
// keeps the default.
func zstdLevel(level int) zstd.EncoderLevel {
	if level == 0 {
		return zstd.SpeedDefault
	}
	return zstd.EncoderLevelFromZstd(level)
}
