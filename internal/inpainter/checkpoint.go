package inpainter

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/net"
	"github.com/dekun/dekun/internal/opt"
)

// Checkpoint is everything needed to resume training or run inference.
type Checkpoint struct {
	Width, Height int
	Loss          float64
	Iterations    int
	Architecture  net.Architecture

	GeneratorState     net.State
	DiscriminatorState net.State

	GeneratorOptimizerState     opt.AdamState
	DiscriminatorOptimizerState opt.AdamState
}

// Checkpoint captures the current state.
func (in *Inpainter) Checkpoint() Checkpoint {
	return Checkpoint{
		Width:                       in.opts.Width,
		Height:                      in.opts.Height,
		Loss:                        in.loss,
		Iterations:                  in.iterations,
		Architecture:                in.opts.Architecture,
		GeneratorState:              in.generator.StateDict(),
		DiscriminatorState:          in.discriminator.StateDict(),
		GeneratorOptimizerState:     in.generatorOpt.State(),
		DiscriminatorOptimizerState: in.discriminatorOpt.State(),
	}
}

// Restore builds an inpainter from a checkpoint. Geometry comes from the
// checkpoint; the remaining options, such as loss weights and batch size,
// from opts. Every tensor must match the rebuilt networks.
func Restore(c Checkpoint, opts Options) (*Inpainter, error) {
	opts.Width, opts.Height = c.Width, c.Height
	opts.Architecture = c.Architecture
	in, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := in.generator.LoadState(c.GeneratorState); err != nil {
		return nil, errors.Wrap(err, "generator")
	}
	if err := in.discriminator.LoadState(c.DiscriminatorState); err != nil {
		return nil, errors.Wrap(err, "discriminator")
	}
	if err := in.generatorOpt.LoadState(c.GeneratorOptimizerState, in.generator.NamedParams()); err != nil {
		return nil, errors.Wrap(err, "generator optimizer")
	}
	if err := in.discriminatorOpt.LoadState(c.DiscriminatorOptimizerState, in.discriminator.NamedParams()); err != nil {
		return nil, errors.Wrap(err, "discriminator optimizer")
	}
	in.loss = c.Loss
	in.iterations = c.Iterations
	return in, nil
}

// Encode writes the checkpoint to w with gob.
func (in *Inpainter) Encode(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(in.Checkpoint()); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

// DecodeCheckpoint reads a checkpoint written by Encode.
func DecodeCheckpoint(r io.Reader) (Checkpoint, error) {
	var c Checkpoint
	if err := gob.NewDecoder(r).Decode(&c); err != nil {
		return Checkpoint{}, errors.Wrap(err, "failed to decode checkpoint")
	}
	return c, nil
}

// Save writes the checkpoint to a file.
func (in *Inpainter) Save(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	if err := in.Encode(file); err != nil {
		file.Close()
		return err
	}
	return errors.Wrap(file.Close(), "failed to close file")
}

// ReadCheckpoint reads a checkpoint file without building networks.
func ReadCheckpoint(filename string) (Checkpoint, error) {
	file, err := os.Open(filename)
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "failed to open file")
	}
	defer file.Close()
	return DecodeCheckpoint(file)
}

// Load restores an inpainter from a checkpoint file.
func Load(filename string, opts Options) (*Inpainter, error) {
	c, err := ReadCheckpoint(filename)
	if err != nil {
		return nil, err
	}
	in, err := Restore(c, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", filename)
	}
	return in, nil
}
