// Package dekun is the public entry point of the inpainting toolkit. It
// re-exports the inpainter and wires the dataset, the loader and image files
// together for the common train and inpaint flows.
package dekun

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/config"
	"github.com/dekun/dekun/internal/dataset"
	"github.com/dekun/dekun/internal/imageio"
	"github.com/dekun/dekun/internal/inpainter"
	"github.com/dekun/dekun/internal/loader"
	"github.com/dekun/dekun/internal/net"
)

// Re-export common types for easier access
type (
	Inpainter     = inpainter.Inpainter
	Options       = inpainter.Options
	LossWeights   = inpainter.LossWeights
	Checkpoint    = inpainter.Checkpoint
	TrainProgress = inpainter.TrainProgress
	Callback      = inpainter.Callback
	Architecture  = net.Architecture
	Config        = config.Config
	LoaderOptions = loader.Options
	LoadProgress  = loader.LoadProgress
	Tier          = loader.Tier
	Sort          = dataset.Sort
)

// Cache tiers
const (
	CacheNone   = loader.None
	CacheMemory = loader.Memory
	CacheDisk   = loader.Disk
)

// Dataset orders
const (
	SortName = dataset.SortName
	SortDate = dataset.SortDate
	SortSize = dataset.SortSize
)

// Model creation
func New(opts Options) (*Inpainter, error) {
	return inpainter.New(opts)
}

func DefaultOptions(width, height int) Options {
	return inpainter.DefaultOptions(width, height)
}

func DefaultArchitecture() Architecture {
	return net.DefaultArchitecture()
}

// Model persistence
func Load(filename string, opts Options) (*Inpainter, error) {
	return inpainter.Load(filename, opts)
}

func ReadCheckpoint(filename string) (Checkpoint, error) {
	return inpainter.ReadCheckpoint(filename)
}

// Stopping rules
func UntilIteration(target int) Callback {
	return inpainter.UntilIteration(target)
}

func UntilLoss(threshold float64) Callback {
	return inpainter.UntilLoss(threshold)
}

func Any(callbacks ...Callback) Callback {
	return inpainter.Any(callbacks...)
}

// Configuration
func DefaultConfig() Config {
	return config.Defaults()
}

func LoadConfig(filename string) (Config, error) {
	return config.Load(filename)
}

// Train opens the dataset in dir, caches it on the inpainter's canvas and
// trains until callback stops. The loader is closed on every path, including
// a panic inside training.
func Train(ctx context.Context, in *Inpainter, dir string, order Sort, opts LoaderOptions, callback Callback) error {
	ds, err := dataset.Open(dir, order)
	if err != nil {
		return err
	}
	opts.Width, opts.Height = in.Width(), in.Height()
	return loader.With(ds, opts, func(l *loader.Loader) error {
		return in.Train(ctx, l, callback)
	})
}

// InpaintFile fills the masked region of the image at imagePath and writes
// the result to outPath. The mask is read as grayscale.
func InpaintFile(in *Inpainter, imagePath, maskPath, outPath string) error {
	image, err := imageio.Load(imagePath, imageio.RGB)
	if err != nil {
		return err
	}
	mask, err := imageio.Load(maskPath, imageio.L)
	if err != nil {
		return err
	}
	out, err := in.Inpaint(image, mask)
	if err != nil {
		return errors.Wrapf(err, "inpaint %s", imagePath)
	}
	return imageio.Save(outPath, out)
}
