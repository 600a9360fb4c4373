// Package loader serves letterboxed training samples from a dataset under one
// of three cache tiers.
//
//   - none: every Loop re-reads and re-transforms every entry.
//   - memory: every sample is built once and kept.
//   - disk: samples are built in chunks sized from available memory, each
//     chunk gob-encoded to a private temporary directory, and decoded one
//     chunk at a time during Loop.
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/dataset"
	"github.com/dekun/dekun/internal/device"
	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/imageio"
	"github.com/dekun/dekun/internal/tensor"
)

// ErrClosed is returned by Loop after Close.
var ErrClosed = errors.New("loader is closed")

// Tier selects how samples are cached between passes.
type Tier string

const (
	None   Tier = "none"
	Memory Tier = "memory"
	Disk   Tier = "disk"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case None, Memory, Disk:
		return Tier(s), nil
	}
	return "", errs.Configf("unsupported cache %q (none|memory|disk)", s)
}

// bytesPerPixel is the float32 footprint of one canvas pixel of a sample:
// three image channels, one mask channel and three combined channels.
const bytesPerPixel = (3 + 1 + 3) * 4

// headroom leaves room for decoding buffers and the training step itself.
const headroom = 4

// Sample is one training example on the canvas. Image and Combined are
// [3, H, W]; Mask is [1, H, W]. Samples served by Loop must not be modified.
type Sample struct {
	Image    *tensor.Tensor
	Mask     *tensor.Tensor
	Combined *tensor.Tensor
}

// LoadProgress reports cache construction.
type LoadProgress struct {
	Loaded int
	Total  int
}

// ChunkHandle describes one gob-encoded chunk of the disk tier.
type ChunkHandle struct {
	Index int    // position in the chunk sequence
	Path  string // file inside the loader's temporary directory
	Count int    // samples in the chunk
	Bytes int64  // encoded size
}

// Source lists dataset entries in order.
type Source interface {
	List() []string
	Get(name string) (dataset.Entry, error)
}

// Options configures a Loader.
type Options struct {
	Width, Height int
	Tier          Tier
	Palette       []Color            // nil uses DefaultPalette
	Device        device.Device      // sizes disk chunks; nil uses the host CPU
	TempDir       string             // parent of the disk cache; empty uses os.TempDir
	Progress      func(LoadProgress) // called after each cached entry
	Logger        *slog.Logger
}

// Loader serves the samples of the usable entries of a dataset.
type Loader struct {
	width, height int
	tier          Tier
	palette       []Color
	logger        *slog.Logger

	entries []dataset.Entry

	samples []Sample // memory tier

	dir       string // disk tier
	chunkSize int
	chunks    []ChunkHandle

	closed bool
}

// New enumerates the usable entries of src and builds the cache tier.
// Entries missing a file are logged and skipped; an empty result is an
// ErrDatasetIntegrity.
func New(src Source, opts Options) (*Loader, error) {
	if opts.Width < 1 || opts.Height < 1 {
		return nil, errs.Configf("canvas %dx%d must be positive", opts.Width, opts.Height)
	}
	if _, err := ParseTier(string(opts.Tier)); err != nil {
		return nil, err
	}
	l := &Loader{
		width:   opts.Width,
		height:  opts.Height,
		tier:    opts.Tier,
		palette: opts.Palette,
		logger:  opts.Logger,
	}
	if len(l.palette) == 0 {
		l.palette = DefaultPalette
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	for _, name := range src.List() {
		entry, err := src.Get(name)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset entry %q", name)
		}
		if !entry.Exists() {
			l.logger.Warn("excluding dataset entry",
				"entry", name, "error", errs.Integrityf("entry %q is missing its image or mask", name))
			continue
		}
		l.entries = append(l.entries, entry)
	}
	if len(l.entries) == 0 {
		return nil, errs.Integrityf("dataset has no usable entries")
	}

	start := time.Now()
	progress := opts.Progress
	if progress == nil {
		progress = func(LoadProgress) {}
	}
	var err error
	switch l.tier {
	case Memory:
		err = l.buildMemory(progress)
	case Disk:
		dev := opts.Device
		if dev == nil {
			dev = device.NewCPUDevice()
		}
		l.chunkSize = ChunkSize(dev.AvailableMemory(), l.width, l.height, len(l.entries))
		err = l.buildDisk(opts.TempDir, progress)
	default:
		progress(LoadProgress{Loaded: len(l.entries), Total: len(l.entries)})
	}
	if err != nil {
		if cerr := l.Close(); cerr != nil {
			l.logger.Warn("failed to clean up after cache build", "error", cerr)
		}
		return nil, err
	}

	l.logger.Info("dataset loaded",
		"tier", l.tier, "entries", len(l.entries), "chunks", len(l.chunks),
		"duration", time.Since(start).Round(time.Millisecond))
	return l, nil
}

// ChunkSize returns how many samples of a width×height canvas fit in memory
// bytes with headroom, clamped to [1, entries].
func ChunkSize(memory uint64, width, height, entries int) int {
	perSample := uint64(width) * uint64(height) * bytesPerPixel * headroom
	n := int(memory / perSample)
	return max(1, min(n, entries))
}

// Len returns the number of samples served per Loop.
func (l *Loader) Len() int { return len(l.entries) }

// Tier returns the cache tier.
func (l *Loader) Tier() Tier { return l.tier }

// Entries returns the usable entries in serving order.
func (l *Loader) Entries() []dataset.Entry { return append([]dataset.Entry(nil), l.entries...) }

// Chunks returns the disk chunks. It is empty for the other tiers.
func (l *Loader) Chunks() []ChunkHandle { return append([]ChunkHandle(nil), l.chunks...) }

// ChunkSize returns the disk tier's samples per chunk.
func (l *Loader) ChunkSize() int { return l.chunkSize }

// build loads, letterboxes and recolors entry index.
func (l *Loader) build(index int) (Sample, error) {
	entry := l.entries[index]
	image, err := imageio.Load(entry.ImagePath, imageio.RGB)
	if err != nil {
		return Sample{}, err
	}
	mask, err := imageio.Load(entry.MaskPath, imageio.L)
	if err != nil {
		return Sample{}, err
	}
	image, _, err = tensor.Fit(image, l.width, l.height)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "entry %q image", entry.Name)
	}
	mask, _, err = tensor.Fit(mask, l.width, l.height)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "entry %q mask", entry.Name)
	}
	combined, err := tensor.Paint(image, mask, l.palette[index%len(l.palette)])
	if err != nil {
		return Sample{}, errors.Wrapf(err, "entry %q", entry.Name)
	}
	return Sample{Image: image, Mask: mask, Combined: combined}, nil
}

func (l *Loader) buildMemory(progress func(LoadProgress)) error {
	l.samples = make([]Sample, len(l.entries))
	for i := range l.entries {
		s, err := l.build(i)
		if err != nil {
			return err
		}
		l.samples[i] = s
		progress(LoadProgress{Loaded: i + 1, Total: len(l.entries)})
	}
	return nil
}

// Loop calls visit once per sample in serving order. A visitor error stops
// the pass and is returned.
func (l *Loader) Loop(visit func(index int, s Sample) error) error {
	if l.closed {
		return ErrClosed
	}
	switch l.tier {
	case Memory:
		for i, s := range l.samples {
			if err := visit(i, s); err != nil {
				return err
			}
		}
	case Disk:
		return l.loopDisk(visit)
	default:
		for i := range l.entries {
			s, err := l.build(i)
			if err != nil {
				return err
			}
			if err := visit(i, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close deletes the disk cache and drops cached samples. Only the first call
// does any work. A removal failure is an ErrResourceCleanup.
func (l *Loader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.samples = nil
	l.chunks = nil
	defer runtime.GC()

	if l.dir == "" {
		return nil
	}
	dir := l.dir
	l.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		err = errors.Wrapf(errs.ErrResourceCleanup, "remove %s: %v", dir, err)
		l.logger.Warn("failed to remove disk cache", "dir", dir, "error", err)
		return err
	}
	l.logger.Debug("removed disk cache", "dir", dir)
	return nil
}

// With builds a loader, runs fn and closes the loader even when fn panics.
// fn's result is returned; a cleanup failure is logged and only returned when
// fn succeeded.
func With(src Source, opts Options, fn func(*Loader) error) (err error) {
	l, err := New(src, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(l)
}

func (h ChunkHandle) String() string {
	return fmt.Sprintf("chunk %d (%d samples, %d bytes)", h.Index, h.Count, h.Bytes)
}
