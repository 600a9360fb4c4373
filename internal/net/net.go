// Package net assembles layers into the networks of the inpainter: the LaMa
// generator, the patch discriminator and the frozen perceptual feature
// extractor. It also exports and transplants their named state.
package net

import (
	"encoding/gob"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/layer"
	"github.com/dekun/dekun/internal/tensor"
)

// Network is a named layer graph. Its root is a Sequential whose children are
// addressed by name in parameter paths.
type Network struct {
	root *layer.Sequential
}

func newNetwork() Network {
	return Network{root: layer.NewSequential()}
}

// Forward performs a forward pass through the network.
func (n *Network) Forward(x *tensor.Tensor) *tensor.Tensor { return n.root.Forward(x) }

// Backward propagates grad through the network and returns the gradient with
// respect to the input of the last Forward.
func (n *Network) Backward(grad *tensor.Tensor) *tensor.Tensor { return n.root.Backward(grad) }

// NamedParams returns every trainable parameter with its gradient buffer.
func (n *Network) NamedParams() []layer.NamedParam { return n.root.NamedParams() }

// Buffers returns every persisted non-trainable tensor.
func (n *Network) Buffers() []layer.NamedParam { return n.root.Buffers() }

// ClearGradients zeroes all accumulated gradients.
func (n *Network) ClearGradients() { n.root.ClearGradients() }

// SetTraining switches batch normalization between batch and running
// statistics.
func (n *Network) SetTraining(training bool) { n.root.SetTraining(training) }

// Layers returns the top-level layers.
func (n *Network) Layers() []layer.Layer { return n.root.Layers() }

// ParamCount returns the number of trainable scalars.
func (n *Network) ParamCount() int {
	total := 0
	for _, p := range n.NamedParams() {
		total += len(p.Data)
	}
	return total
}

func (n *Network) tensors() []layer.NamedParam {
	return append(n.NamedParams(), n.Buffers()...)
}

// State is a set of named tensors: parameters and buffers.
type State map[string]*tensor.Tensor

// Names returns the tensor names in sorted order.
func (s State) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateDict returns a deep copy of every parameter and buffer.
func (n *Network) StateDict() State {
	s := make(State)
	for _, p := range n.tensors() {
		s[p.Name] = tensor.FromData(append([]float32(nil), p.Data...), p.Shape...)
	}
	return s
}

// LoadState transplants s into the network. The names and shapes of s must
// match the network exactly; nothing is copied unless every tensor matches.
func (n *Network) LoadState(s State) error {
	targets := n.tensors()
	seen := make(map[string]bool, len(targets))
	for _, p := range targets {
		seen[p.Name] = true
		src, ok := s[p.Name]
		if !ok {
			return errs.Shapef("missing tensor %q", p.Name)
		}
		if !sameShape(src.Shape, p.Shape) || len(src.Data) != len(p.Data) {
			return errs.Shapef("tensor %q has shape %v, want %v", p.Name, src.Shape, p.Shape)
		}
	}
	for _, name := range s.Names() {
		if !seen[name] {
			return errs.Shapef("unexpected tensor %q", name)
		}
	}

	for _, p := range targets {
		copy(p.Data, s[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode writes s to w with gob.
func (s State) Encode(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return errors.Wrap(err, "failed to encode state")
	}
	return nil
}

// DecodeState reads a state written by State.Encode.
func DecodeState(r io.Reader) (State, error) {
	var s State
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "failed to decode state")
	}
	return s, nil
}

// SaveState writes s to a file.
func SaveState(filename string, s State) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	if err := s.Encode(file); err != nil {
		file.Close()
		return err
	}
	return errors.Wrap(file.Close(), "failed to close file")
}

// LoadStateFile reads a state written by SaveState.
func LoadStateFile(filename string) (State, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	defer file.Close()
	return DecodeState(file)
}
