// Package inpainter trains and runs the LaMa-style adversarial inpainting
// model: an FFC generator that fills masked regions and a patch
// discriminator that only takes part in training.
//
// An Inpainter is not safe for concurrent use.
package inpainter

import (
	"log/slog"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/net"
	"github.com/dekun/dekun/internal/opt"
)

// LossWeights scale the terms of the generator loss.
type LossWeights struct {
	Reconstruction float64
	Adversarial    float64
	Perceptual     float64 // zero skips the feature extractor
}

// Options configures an Inpainter.
type Options struct {
	Width, Height int
	Architecture  net.Architecture

	BatchSize int // samples per optimizer step
	Prefetch  int // batches assembled ahead of the training step

	LearningRate float64
	Beta1, Beta2 float64
	Weights      LossWeights

	// Extractor computes perceptual features. Nil uses the default backbone.
	Extractor net.FeatureExtractor

	Seed   int64
	Logger *slog.Logger
}

// DefaultOptions returns the standard training setup for a width×height
// canvas.
func DefaultOptions(width, height int) Options {
	return Options{
		Width:        width,
		Height:       height,
		Architecture: net.DefaultArchitecture(),
		BatchSize:    4,
		Prefetch:     2,
		LearningRate: 1e-4,
		Beta1:        0.5,
		Beta2:        0.999,
		Weights:      LossWeights{Reconstruction: 1, Adversarial: 0.1, Perceptual: 0.1},
		Seed:         1,
	}
}

// Validate checks the options without building any network.
func (o Options) Validate() error {
	if o.Weights.Perceptual > 0 && o.Extractor == nil &&
		(o.Width < net.BackboneMinSize || o.Height < net.BackboneMinSize) {
		return errs.Configf("canvas %dx%d smaller than the %dx%d perceptual backbone minimum",
			o.Width, o.Height, net.BackboneMinSize, net.BackboneMinSize)
	}
	if err := o.Architecture.Validate(o.Width, o.Height); err != nil {
		return err
	}
	switch {
	case o.Architecture.InChannels != 4 || o.Architecture.OutChannels != 3:
		return errs.Configf("generator must map 4 channels to 3, got %d -> %d",
			o.Architecture.InChannels, o.Architecture.OutChannels)
	case o.BatchSize < 1:
		return errs.Configf("batch size %d must be positive", o.BatchSize)
	case o.Prefetch < 1:
		return errs.Configf("prefetch depth %d must be positive", o.Prefetch)
	case o.LearningRate <= 0:
		return errs.Configf("learning rate %v must be positive", o.LearningRate)
	case o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1:
		return errs.Configf("adam betas %v, %v must lie in [0, 1)", o.Beta1, o.Beta2)
	case o.Weights.Reconstruction < 0 || o.Weights.Adversarial < 0 || o.Weights.Perceptual < 0:
		return errs.Configf("loss weights must not be negative: %+v", o.Weights)
	}
	return nil
}

// Inpainter owns the generator, the discriminator, their optimizers and the
// training state.
type Inpainter struct {
	opts   Options
	logger *slog.Logger

	generator     *net.Generator
	discriminator *net.Discriminator
	extractor     net.FeatureExtractor

	generatorOpt     *opt.Adam
	discriminatorOpt *opt.Adam

	loss       float64
	iterations int
}

// New builds an untrained inpainter.
func New(opts Options) (*Inpainter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	generator, err := net.NewGenerator(rng, opts.Architecture)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build generator")
	}

	in := &Inpainter{
		opts:             opts,
		logger:           opts.Logger,
		generator:        generator,
		discriminator:    net.NewDiscriminator(rng, opts.Architecture),
		extractor:        opts.Extractor,
		generatorOpt:     opt.NewAdamWithBetas(opts.LearningRate, opts.Beta1, opts.Beta2, 1e-8),
		discriminatorOpt: opt.NewAdamWithBetas(opts.LearningRate, opts.Beta1, opts.Beta2, 1e-8),
		loss:             1,
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	if in.extractor == nil && opts.Weights.Perceptual > 0 {
		in.extractor = net.NewBackbone()
	}
	return in, nil
}

// Width returns the canvas width.
func (in *Inpainter) Width() int { return in.opts.Width }

// Height returns the canvas height.
func (in *Inpainter) Height() int { return in.opts.Height }

// Loss returns the mean generator loss of the last epoch, 1 before any
// training.
func (in *Inpainter) Loss() float64 { return in.loss }

// Iterations returns the number of completed epochs.
func (in *Inpainter) Iterations() int { return in.iterations }

// Architecture returns the network geometry.
func (in *Inpainter) Architecture() net.Architecture { return in.opts.Architecture }

// Generator returns the generator network.
func (in *Inpainter) Generator() *net.Generator { return in.generator }

// Discriminator returns the discriminator network.
func (in *Inpainter) Discriminator() *net.Discriminator { return in.discriminator }
