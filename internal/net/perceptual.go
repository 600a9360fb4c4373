package net

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/layer"
	"github.com/dekun/dekun/internal/loss"
	"github.com/dekun/dekun/internal/tensor"
)

// ImageNet statistics applied to RGB inputs before feature extraction.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// BackboneMinSize is the smallest input side the default backbone's
// pooling stage accepts.
const BackboneMinSize = 2

// backboneSeed makes the default feature extractor identical across runs.
const backboneSeed = 1

// FeatureExtractor maps normalized RGB batches to feature maps. Backward
// returns the gradient with respect to the input of the last Forward and
// must leave the extractor's own weights untouched.
type FeatureExtractor interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
}

// Backbone is a frozen VGG-style stack of 3x3 convolutions standing in for a
// pretrained classification backbone.
type Backbone struct {
	Network
}

// NewBackbone builds the backbone from the fixed default seed.
func NewBackbone() *Backbone {
	rng := rand.New(rand.NewSource(backboneSeed))
	relu := activations.ReLU{}
	b := &Backbone{Network: newNetwork()}
	b.root.Add(layer.NewConv2D(rng, 3, 16, 3, 1, 1, relu))
	b.root.Add(layer.NewConv2D(rng, 16, 16, 3, 1, 1, relu))
	b.root.Add(layer.NewMaxPool2D(2, 2))
	b.root.Add(layer.NewConv2D(rng, 16, 32, 3, 1, 1, relu))
	b.root.Add(layer.NewConv2D(rng, 32, 32, 3, 1, 1, relu))
	return b
}

// LoadBackbone builds the backbone and replaces its weights with the state
// stored in filename.
func LoadBackbone(filename string) (*Backbone, error) {
	state, err := LoadStateFile(filename)
	if err != nil {
		return nil, err
	}
	b := NewBackbone()
	if err := b.LoadState(state); err != nil {
		return nil, errors.Wrapf(err, "backbone %s", filename)
	}
	return b, nil
}

// Backward returns the input gradient and discards the weight gradients.
func (b *Backbone) Backward(grad *tensor.Tensor) *tensor.Tensor {
	g := b.Network.Backward(grad)
	b.ClearGradients()
	return g
}

// Normalize applies ImageNet mean/std normalization to an RGB batch.
func Normalize(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	out := tensor.New(x.Shape...)
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			mean, std := imageNetMean[ch%3], imageNetStd[ch%3]
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				out.Data[i] = (x.Data[i] - mean) / std
			}
		}
	}
	return out
}

// normalizeBackward maps a gradient with respect to Normalize's output onto
// its input.
func normalizeBackward(grad *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := grad.Dims4()
	out := tensor.New(grad.Shape...)
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			std := imageNetStd[ch%3]
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				out.Data[i] = grad.Data[i] / std
			}
		}
	}
	return out
}

// Perceptual is the L1 distance between the features of two RGB batches.
type Perceptual struct {
	Extractor FeatureExtractor
}

// Compute returns the perceptual loss of pred against target and its
// gradient with respect to pred. No gradient flows into target.
func (p Perceptual) Compute(pred, target *tensor.Tensor) (float64, *tensor.Tensor) {
	want := p.Extractor.Forward(Normalize(target))
	// pred last, so the extractor's cache belongs to it
	got := p.Extractor.Forward(Normalize(pred))

	l1 := loss.L1Loss{}
	value := l1.Forward(got, want)
	grad := p.Extractor.Backward(l1.Backward(got, want))
	return value, normalizeBackward(grad)
}
