package grid

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestNewUnsupportedCRS(t *testing.T) {
	t.Parallel()

	_, err := New(9999)
	if err == nil {
		t.Fatal("expected error for unsupported CRS")
	}
	if !strings.Contains(err.Error(), "supported:") {
		t.Errorf("error should list the supported set, got %q", err.Error())
	}
	for _, crs := range SupportedCRS() {
		if _, err := New(crs); err != nil {
			t.Errorf("CRS %d should resolve, got %v", crs, err)
		}
	}
}

func TestSupportedCRSSorted(t *testing.T) {
	t.Parallel()

	codes := SupportedCRS()
	if len(codes) != 9 {
		t.Fatalf("expected 9 registered schemes, got %d", len(codes))
	}
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("codes not sorted: %v", codes)
		}
	}
}

func TestResolveWorldCRS84(t *testing.T) {
	t.Parallel()

	r, err := New(4326)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.Min.X(), -135.0; got != want {
		t.Errorf("min x: expected %v, got %v", want, got)
	}
	if got, want := b.Min.Y(), 0.0; got != want {
		t.Errorf("min y: expected %v, got %v", want, got)
	}
	if got, want := b.Max.X(), -90.0; got != want {
		t.Errorf("max x: expected %v, got %v", want, got)
	}
	if got, want := b.Max.Y(), 45.0; got != want {
		t.Errorf("max y: expected %v, got %v", want, got)
	}
}

func TestResolveRowZeroIsTop(t *testing.T) {
	t.Parallel()

	for _, crs := range SupportedCRS() {
		r, err := New(crs)
		if err != nil {
			t.Fatal(err)
		}
		b, err := r.Resolve(1, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if b.Max.Y() != r.Scheme().Extent.Max.Y() {
			t.Errorf("CRS %d: row 0 should touch the north edge, got maxY %v want %v",
				crs, b.Max.Y(), r.Scheme().Extent.Max.Y())
		}
	}
}

func TestResolveWebMercatorZoomZero(t *testing.T) {
	t.Parallel()

	r, err := New(3857)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := 20037508.342789244
	if b.Min.X() != -want || b.Max.X() != want || b.Min.Y() != -want || b.Max.Y() != want {
		t.Errorf("zoom 0 should cover the full extent, got %v", b)
	}
}

func TestResolveTilesPartitionExtent(t *testing.T) {
	t.Parallel()

	r, err := New(4326)
	if err != nil {
		t.Fatal(err)
	}
	// Adjacent tiles share edges exactly.
	left, err := r.Resolve(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	right, err := r.Resolve(1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if left.Max.X() != right.Min.X() {
		t.Errorf("adjacent columns should share an edge: %v vs %v", left.Max.X(), right.Min.X())
	}
	upper, err := r.Resolve(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	lower, err := r.Resolve(1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if upper.Min.Y() != lower.Max.Y() {
		t.Errorf("adjacent rows should share an edge: %v vs %v", upper.Min.Y(), lower.Max.Y())
	}
}

func TestResolveOutOfRange(t *testing.T) {
	t.Parallel()

	r, err := New(4326)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name          string
		zoom, col, row int
	}{
		{"negative zoom", -1, 0, 0},
		{"negative col", 2, -1, 0},
		{"negative row", 2, 0, -1},
		{"col past matrix", 2, 8, 0},
		{"row past matrix", 2, 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.zoom, tt.col, tt.row)
			if !errors.Is(err, ErrTileRange) {
				t.Fatalf("expected ErrTileRange, got %v", err)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	r, err := New(3978)
	if err != nil {
		t.Fatal(err)
	}
	a, err := r.Resolve(5, 13, 7)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(5, 13, 7)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("same address resolved differently: %v vs %v", a, b)
	}
	if math.IsNaN(a.Min.X()) || a.Min.X() >= a.Max.X() || a.Min.Y() >= a.Max.Y() {
		t.Fatalf("degenerate bound: %v", a)
	}
}
