package net

import (
	"math/rand"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/layer"
)

// leakySlope is the negative slope of the discriminator's LeakyReLUs.
const leakySlope = 0.2

// Discriminator is a patch discriminator. It maps an RGB batch to a map of
// per-patch realism logits with no pooling.
type Discriminator struct {
	Network
}

// NewDiscriminator builds a discriminator with weights drawn from rng.
func NewDiscriminator(rng *rand.Rand, arch Architecture) *Discriminator {
	d := &Discriminator{Network: newNetwork()}
	ch := arch.DiscChannels

	d.root.Add(layer.NewConv2D(rng, arch.OutChannels, ch, 4, 2, 1, activations.NewLeakyReLU(leakySlope)))
	for i := 1; i < arch.DiscLayers; i++ {
		d.root.Add(layer.ConvBlock(
			layer.NewConv2D(rng, ch, ch*2, 4, 2, 1, nil), ch*2, activations.NewLeakyReLU(leakySlope)))
		ch *= 2
	}
	d.root.Add(layer.NewConv2D(rng, ch, 1, 4, 1, 1, nil))
	return d
}
