// Package colormap provides the color ramps tile rendering maps normalized
// values through. Ramps are looked up by name or built from custom hex
// color lists.
package colormap

import (
	"fmt"
	"image/color"
	"sort"
	"strings"
)

// Colormap maps a normalized value in [0, 1] to a color. Values outside
// the range clamp to the endpoints.
type Colormap interface {
	At(t float64) color.RGBA
}

// LinearColormap interpolates linearly between anchor colors.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.RGBA {
	if len(c.colors) == 0 {
		return color.RGBA{A: 255}
	}
	if t <= 0 || len(c.colors) == 1 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// interpolate blends two colors, truncating each channel to 8 bits.
func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// FromHex parses a "#RRGGBB" or "RRGGBB" color string.
func FromHex(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(strings.ToLower(h), "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// FromColors builds a linear colormap from a list of hex color strings.
func FromColors(hex []string) (LinearColormap, error) {
	if len(hex) < 2 {
		return LinearColormap{}, fmt.Errorf("custom colormap needs at least 2 colors, got %d", len(hex))
	}
	colors := make([]color.RGBA, len(hex))
	for i, s := range hex {
		c, err := FromHex(s)
		if err != nil {
			return LinearColormap{}, err
		}
		colors[i] = c
	}
	return LinearColormap{colors: colors}, nil
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Greys colormap, black to white.
var Greys = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// RdBu diverging colormap (ColorBrewer red-white-blue).
var RdBu = LinearColormap{
	colors: []color.RGBA{
		{178, 24, 43, 255},
		{239, 138, 98, 255},
		{253, 219, 199, 255},
		{247, 247, 247, 255},
		{209, 229, 240, 255},
		{103, 169, 207, 255},
		{33, 102, 172, 255},
	},
}

var builtins = map[string]Colormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"greys":   Greys,
	"gray":    Greys,
	"rdbu":    RdBu,
}

// Lookup finds a built-in colormap by case-insensitive name.
func Lookup(name string) (Colormap, bool) {
	c, ok := builtins[strings.ToLower(name)]
	return c, ok
}

// Names lists the built-in colormap names, sorted.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
