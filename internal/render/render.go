// Package render turns selected 2-D blocks into encoded map images. Two
// backends are provided: raster aggregation, which regrids the block onto
// the canvas and shades aggregate values, and scalar colormap, which maps
// each value through a normalization and a color ramp. Every renderer runs
// the same four stages in order: interpolate, aggregate, normalize, color
// map. Rendering is deterministic: one input and configuration always
// produce the same bytes.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/fogleman/gg"

	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/pkg/colormap"
)

// DefaultCanvasSize is the canvas edge length used when none is
// configured.
const DefaultCanvasSize = 256

// ErrUnsupportedFormat reports an image format the encoder does not
// produce.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// jpegQuality is fixed so identical renders encode to identical bytes.
const jpegQuality = 90

// Image is a rendered canvas. The pixel data is exposed so post-render
// transforms can draw on it directly.
type Image struct {
	RGBA *image.RGBA
}

// NewImage creates a transparent canvas.
func NewImage(width, height int) *Image {
	return &Image{RGBA: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// Width returns the canvas width in pixels.
func (im *Image) Width() int { return im.RGBA.Rect.Dx() }

// Height returns the canvas height in pixels.
func (im *Image) Height() int { return im.RGBA.Rect.Dy() }

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 32*1024))
	},
}

// Encode serializes the canvas in the requested format. PNG and JPEG are
// supported; anything else fails with ErrUnsupportedFormat.
func (im *Image) Encode(format string) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer bufferPool.Put(buf)
	buf.Reset()

	switch NormalizeFormat(format) {
	case "png":
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := encoder.Encode(buf, im.RGBA); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(buf, im.RGBA, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q (supported: png, jpeg)", ErrUnsupportedFormat, format)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// NormalizeFormat lowercases a format name and folds the jpg alias.
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "jpg" {
		return "jpeg"
	}
	return f
}

// MediaType returns the content type of a supported format.
func MediaType(format string) (string, error) {
	switch NormalizeFormat(format) {
	case "png":
		return "image/png", nil
	case "jpeg":
		return "image/jpeg", nil
	}
	return "", fmt.Errorf("%w: %q (supported: png, jpeg)", ErrUnsupportedFormat, format)
}

// Renderer renders a selected block onto a canvas. Describe returns a
// stable identity string covering every option that changes output, used
// to key cached renders.
type Renderer interface {
	Render(arr *dataset.Array) (*Image, error)
	Describe() string
}

// Param is one normalization parameter: either a fixed value or a value
// computed from the block being rendered.
type Param struct {
	Value float64
	From  func(arr *dataset.Array) float64
}

// resolve evaluates the parameter against the render input.
func (p Param) resolve(arr *dataset.Array) float64 {
	if p.From != nil {
		return p.From(arr)
	}
	return p.Value
}

// Config selects a backend and its stage options. Each backend accepts a
// subset of the fields and rejects unknown values for them at
// construction.
type Config struct {
	Backend      string
	CanvasWidth  int
	CanvasHeight int

	// Interpolate stage. Empty means identity.
	Interpolation string

	// Raster aggregation options.
	Aggregation string
	How         string
	Span        []float64

	// Scalar colormap options.
	Normalization string
	NormParams    map[string]Param

	// Color ramp: a named built-in or a custom hex list, not both.
	Colormap string
	Colors   []string

	// Overlay draws the tile boundary, for debugging alignment.
	Overlay bool
}

func (c Config) canvas() (int, int, error) {
	w, h := c.CanvasWidth, c.CanvasHeight
	if w == 0 {
		w = DefaultCanvasSize
	}
	if h == 0 {
		h = DefaultCanvasSize
	}
	if w < 1 || h < 1 {
		return 0, 0, fmt.Errorf("canvas %dx%d is not drawable", c.CanvasWidth, c.CanvasHeight)
	}
	return w, h, nil
}

func (c Config) ramp() (colormap.Colormap, string, error) {
	if len(c.Colors) > 0 {
		if c.Colormap != "" {
			return nil, "", errors.New("colormap and colors are mutually exclusive")
		}
		cm, err := colormap.FromColors(c.Colors)
		if err != nil {
			return nil, "", err
		}
		return cm, "custom:" + strings.Join(c.Colors, ","), nil
	}
	name := c.Colormap
	if name == "" {
		name = "viridis"
	}
	cm, ok := colormap.Lookup(name)
	if !ok {
		return nil, "", fmt.Errorf("unknown colormap %q (supported: %s)", name, strings.Join(colormap.Names(), ", "))
	}
	return cm, strings.ToLower(name), nil
}

// New builds the configured backend.
func New(cfg Config) (Renderer, error) {
	switch cfg.Backend {
	case "", "raster":
		return NewRasterAggregation(cfg)
	case "scalar":
		return NewScalarColormap(cfg)
	}
	return nil, fmt.Errorf("unknown render backend %q (supported: raster, scalar)", cfg.Backend)
}

// require2D checks that a block is drawable as an image grid.
func require2D(arr *dataset.Array) error {
	if arr.Rank() != 2 {
		return fmt.Errorf("render needs a 2-D block, got rank %d (%v)", arr.Rank(), arr.Dims)
	}
	if arr.Shape[0] < 1 || arr.Shape[1] < 1 {
		return fmt.Errorf("render needs a non-empty block, got %v", arr.Shape)
	}
	return nil
}

// drawOverlay strokes the tile boundary onto a finished canvas.
func drawOverlay(im *Image) {
	dc := gg.NewContextForRGBA(im.RGBA)
	dc.SetRGBA(0, 0, 0, 0.35)
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, float64(im.Width())-1, float64(im.Height())-1)
	dc.Stroke()
}
