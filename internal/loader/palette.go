package loader

import (
	"github.com/lucasb-eyer/go-colorful"

	"github.com/dekun/dekun/internal/errs"
)

// Color is an RGB triple with components in [0, 1].
type Color = [3]float32

// DefaultPalette recolors masked regions white, mid-gray and black in turn.
var DefaultPalette = []Color{
	{1, 1, 1},
	{0.5, 0.5, 0.5},
	{0, 0, 0},
}

// ParsePalette parses hex colors such as "#ffffff" or "#808080".
func ParsePalette(hex []string) ([]Color, error) {
	if len(hex) == 0 {
		return nil, errs.Configf("palette must not be empty")
	}
	palette := make([]Color, len(hex))
	for i, h := range hex {
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, errs.Configf("palette color %d: %v", i, err)
		}
		c = c.Clamped()
		palette[i] = Color{float32(c.R), float32(c.G), float32(c.B)}
	}
	return palette, nil
}

// FormatPalette renders a palette as hex colors.
func FormatPalette(palette []Color) []string {
	hex := make([]string, len(palette))
	for i, c := range palette {
		hex[i] = colorful.Color{R: float64(c[0]), G: float64(c[1]), B: float64(c[2])}.Hex()
	}
	return hex
}
