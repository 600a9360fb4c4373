package net

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/layer"
)

// Generator is the LaMa inpainting network:
//
//	input:      7x7 conv, BN, ReLU
//	encoder:    Down x (4x4 stride-2 conv, BN, ReLU), doubling channels
//	bottleneck: Residual x FFC residual block
//	decoder:    Down x (4x4 stride-2 transposed conv, BN, ReLU), halving channels
//	output:     7x7 conv, Tanh
type Generator struct {
	Network
	arch Architecture
}

// NewGenerator builds a generator with weights drawn from rng.
func NewGenerator(rng *rand.Rand, arch Architecture) (*Generator, error) {
	g := &Generator{Network: newNetwork(), arch: arch}
	relu := activations.ReLU{}
	mid := arch.MidChannels

	g.root.AddNamed("input", layer.ConvBlock(
		layer.NewConv2D(rng, arch.InChannels, mid, 7, 1, 3, nil), mid, relu))

	encoder := layer.NewSequential()
	ch := mid
	for i := 0; i < arch.Down; i++ {
		encoder.Add(layer.ConvBlock(layer.NewConv2D(rng, ch, ch*2, 4, 2, 1, nil), ch*2, relu))
		ch *= 2
	}
	g.root.AddNamed("encoder", encoder)

	bottleneck := layer.NewSequential()
	for i := 0; i < arch.Residual; i++ {
		block, err := layer.NewFFCResidualBlock(rng, ch, arch.GlobalRatio)
		if err != nil {
			return nil, errors.Wrapf(err, "residual block %d", i)
		}
		bottleneck.Add(block)
	}
	g.root.AddNamed("bottleneck", bottleneck)

	decoder := layer.NewSequential()
	for i := 0; i < arch.Down; i++ {
		decoder.Add(layer.ConvBlock(layer.NewConvTranspose2D(rng, ch, ch/2, 4, 2, 1, nil), ch/2, relu))
		ch /= 2
	}
	g.root.AddNamed("decoder", decoder)

	g.root.AddNamed("output", layer.NewConv2D(rng, ch, arch.OutChannels, 7, 1, 3, activations.Tanh{}))
	return g, nil
}

// Architecture returns the geometry the generator was built with.
func (g *Generator) Architecture() Architecture { return g.arch }
