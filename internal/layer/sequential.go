package layer

import (
	"strconv"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/tensor"
)

// Activation applies an element-wise activation function.
type Activation struct {
	act        activations.Activation
	savedInput *tensor.Tensor
}

// NewActivation wraps act as a parameterless layer.
func NewActivation(act activations.Activation) *Activation {
	return &Activation{act: act}
}

func (a *Activation) Forward(x *tensor.Tensor) *tensor.Tensor {
	a.savedInput = x
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = a.act.Activate(v)
	}
	return out
}

func (a *Activation) Backward(grad *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(grad.Shape...)
	for i, g := range grad.Data {
		out.Data[i] = g * a.act.Derivative(a.savedInput.Data[i])
	}
	return out
}

func (a *Activation) NamedParams() []NamedParam { return nil }
func (a *Activation) ClearGradients()           {}

// Sequential chains layers. Parameters are named by position ("0.weight")
// unless the layer was added under a name.
type Sequential struct {
	layers []Layer
	names  []string
}

// NewSequential creates a sequential container.
func NewSequential(layers ...Layer) *Sequential {
	s := &Sequential{}
	for _, l := range layers {
		s.Add(l)
	}
	return s
}

// Add appends a layer named by its position.
func (s *Sequential) Add(l Layer) {
	s.AddNamed(strconv.Itoa(len(s.layers)), l)
}

// AddNamed appends a layer whose parameters are prefixed with name.
func (s *Sequential) AddNamed(name string, l Layer) {
	s.layers = append(s.layers, l)
	s.names = append(s.names, name)
}

// Layers returns the contained layers.
func (s *Sequential) Layers() []Layer { return s.layers }

// Len returns the number of contained layers.
func (s *Sequential) Len() int { return len(s.layers) }

func (s *Sequential) Forward(x *tensor.Tensor) *tensor.Tensor {
	for _, l := range s.layers {
		x = l.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(grad *tensor.Tensor) *tensor.Tensor {
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad = s.layers[i].Backward(grad)
	}
	return grad
}

func (s *Sequential) NamedParams() []NamedParam {
	var params []NamedParam
	for i, l := range s.layers {
		params = append(params, Prefix(s.names[i], l.NamedParams())...)
	}
	return params
}

func (s *Sequential) Buffers() []NamedParam {
	var bufs []NamedParam
	for i, l := range s.layers {
		bufs = append(bufs, Prefix(s.names[i], Buffers(l))...)
	}
	return bufs
}

func (s *Sequential) ClearGradients() {
	for _, l := range s.layers {
		l.ClearGradients()
	}
}

func (s *Sequential) SetTraining(training bool) {
	for _, l := range s.layers {
		SetTraining(l, training)
	}
}

// ConvBlock builds conv -> batch norm -> activation.
func ConvBlock(conv Layer, channels int, act activations.Activation) *Sequential {
	return NewSequential(conv, NewDefaultBatchNorm2D(channels), NewActivation(act))
}
