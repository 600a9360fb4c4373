package net

import (
	"github.com/dekun/dekun/internal/errs"
)

// Architecture records the geometry needed to rebuild the generator and the
// discriminator.
type Architecture struct {
	InChannels  int     `json:"in_channels" yaml:"in_channels"`   // generator input: RGB plus mask
	OutChannels int     `json:"out_channels" yaml:"out_channels"` // generator output: RGB
	MidChannels int     `json:"mid_channels" yaml:"mid_channels"` // channels after the input convolution
	Down        int     `json:"down" yaml:"down"`                 // stride-2 downsampling stages, mirrored by upsampling
	Residual    int     `json:"residual" yaml:"residual"`         // FFC residual blocks in the bottleneck
	GlobalRatio float64 `json:"global_ratio" yaml:"global_ratio"` // share of bottleneck channels on the Fourier path

	DiscChannels int `json:"disc_channels" yaml:"disc_channels"` // channels of the first discriminator stage
	DiscLayers   int `json:"disc_layers" yaml:"disc_layers"`     // stride-2 discriminator stages
}

// DefaultArchitecture returns the LaMa-sized geometry.
func DefaultArchitecture() Architecture {
	return Architecture{
		InChannels:   4,
		OutChannels:  3,
		MidChannels:  64,
		Down:         4,
		Residual:     8,
		GlobalRatio:  0.5,
		DiscChannels: 64,
		DiscLayers:   4,
	}
}

// BottleneckChannels returns the channel count seen by the residual blocks.
func (a Architecture) BottleneckChannels() int {
	return a.MidChannels << a.Down
}

// Validate reports whether the architecture can process a width×height
// canvas.
func (a Architecture) Validate(width, height int) error {
	switch {
	case a.InChannels < 1 || a.OutChannels < 1 || a.MidChannels < 1:
		return errs.Configf("channel counts must be positive: in=%d out=%d mid=%d",
			a.InChannels, a.OutChannels, a.MidChannels)
	case a.Down < 0 || a.Residual < 0:
		return errs.Configf("depths must not be negative: down=%d residual=%d", a.Down, a.Residual)
	case a.GlobalRatio < 0 || a.GlobalRatio > 1:
		return errs.Configf("global ratio %v outside [0, 1]", a.GlobalRatio)
	case a.DiscChannels < 1 || a.DiscLayers < 1:
		return errs.Configf("discriminator needs positive channels and layers: channels=%d layers=%d",
			a.DiscChannels, a.DiscLayers)
	case width < 1 || height < 1:
		return errs.Configf("canvas %dx%d must be positive", width, height)
	}

	step := 1 << a.Down
	if width%step != 0 || height%step != 0 {
		return errs.Configf("canvas %dx%d must be divisible by %d", width, height, step)
	}
	if _, _, ok := a.LogitSize(width, height); !ok {
		return errs.Configf("canvas %dx%d too small for %d discriminator layers", width, height, a.DiscLayers)
	}
	return nil
}

// LogitSize returns the spatial size of the discriminator's patch logit map
// for a width×height input, and false when the input is too small to leave
// at least one patch.
func (a Architecture) LogitSize(width, height int) (w, h int, ok bool) {
	w, okW := logitSide(width, a.DiscLayers)
	h, okH := logitSide(height, a.DiscLayers)
	return w, h, okW && okH
}

func logitSide(size, layers int) (int, bool) {
	// k4 s2 p1 halves (floor) and needs two input pixels
	for i := 0; i < layers; i++ {
		if size < 2 {
			return 0, false
		}
		size /= 2
	}
	// final k4 s1 p1 removes one pixel
	if size < 2 {
		return 0, false
	}
	return size - 1, true
}
