package zarr

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/gridtiles/server/internal/dataset"
)

// samplePayload builds n bytes of slowly varying data, the kind the
// shuffle filter is meant for.
func samplePayload(t *testing.T, n int) []byte {
	t.Helper()

	if n%8 != 0 {
		t.Fatalf("payload size %d not a multiple of 8", n)
	}
	vals := make([]float64, n/8)
	for i := range vals {
		vals[i] = 20.0 + float64(i)*0.01
	}
	raw, err := EncodeValues(vals, "<f8")
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	compressors := []*dataset.Compressor{
		nil,
		{ID: "gzip"},
		{ID: "gzip", Level: 5},
		{ID: "zlib"},
		{ID: "zstd"},
		{ID: "zstd", Level: 3},
	}
	filterSets := [][]dataset.Filter{
		nil,
		{{ID: "shuffle", ElementSize: 8}},
	}
	for _, size := range []int{0, 8, 4096} {
		raw := samplePayload(t, size)
		for _, comp := range compressors {
			for _, filters := range filterSets {
				name := fmt.Sprintf("size=%d/comp=%v/filters=%d", size, comp, len(filters))
				t.Run(name, func(t *testing.T) {
					enc, err := Encode(raw, filters, comp)
					if err != nil {
						t.Fatal(err)
					}
					dec, err := Decode(enc, filters, comp)
					if err != nil {
						t.Fatal(err)
					}
					if !bytes.Equal(dec, raw) {
						t.Fatalf("round trip changed %d bytes into %d", len(raw), len(dec))
					}
				})
			}
		}
	}
}

func TestCodecDeterministic(t *testing.T) {
	t.Parallel()

	raw := samplePayload(t, 4096)
	filters := []dataset.Filter{{ID: "shuffle", ElementSize: 8}}
	for _, comp := range []*dataset.Compressor{{ID: "gzip"}, {ID: "zlib"}, {ID: "zstd"}} {
		a, err := Encode(raw, filters, comp)
		if err != nil {
			t.Fatal(err)
		}
		b, err := Encode(raw, filters, comp)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("%s: repeated encode produced different bytes", comp.ID)
		}
	}
}

func TestCodecCompresses(t *testing.T) {
	t.Parallel()

	raw := samplePayload(t, 4096)
	enc, err := Encode(raw, []dataset.Filter{{ID: "shuffle", ElementSize: 8}}, &dataset.Compressor{ID: "gzip"})
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) >= len(raw) {
		t.Errorf("shuffled gzip should shrink smooth data: %d -> %d bytes", len(raw), len(enc))
	}
}

func TestShuffleErrors(t *testing.T) {
	t.Parallel()

	if _, err := shuffle(make([]byte, 16), 0); err == nil {
		t.Error("expected error for zero elementsize")
	}
	if _, err := shuffle(make([]byte, 10), 8); err == nil {
		t.Error("expected error for length not divisible by elementsize")
	}
	out, err := shuffle([]byte{1, 2, 3}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Errorf("elementsize 1 should copy input unchanged, got %v", out)
	}
}

func TestCodecUnknownDeclarations(t *testing.T) {
	t.Parallel()

	raw := []byte{1, 2, 3, 4}
	if _, err := Encode(raw, []dataset.Filter{{ID: "delta"}}, nil); err == nil {
		t.Error("expected error for unknown filter")
	}
	if _, err := Encode(raw, nil, &dataset.Compressor{ID: "lz4"}); err == nil {
		t.Error("expected error for unknown compressor")
	}
	if _, err := Decode(raw, nil, &dataset.Compressor{ID: "lz4"}); err == nil {
		t.Error("expected error for unknown compressor on decode")
	}
}

func TestDecodeCorruptStream(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"gzip", "zlib"} {
		_, err := Decode([]byte{0xde, 0xad, 0xbe, 0xef}, nil, &dataset.Compressor{ID: id})
		if err == nil {
			t.Errorf("%s: expected error for corrupt stream", id)
		}
	}
}
