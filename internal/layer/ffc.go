package layer

import (
	"math/rand"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/tensor"
)

// FFC is a fast Fourier convolution. Input and output channels are split
// into a local group (first) and a global group (last). Four paths connect
// them: local->local 3x3 conv, local->global and global->local 1x1 convs and
// a global->global FourierUnit. A path exists only when both of its groups
// are non-empty. The concatenated output is batch-normalized and ReLU'd.
type FFC struct {
	inLocal, inGlobal   int
	outLocal, outGlobal int

	l2l Layer
	l2g Layer
	g2l Layer
	g2g Layer

	bn  *BatchNorm2D
	act *Activation
}

type namedLayer struct {
	name  string
	layer Layer
}

// NewFFC builds an FFC block. Ratios must lie in [0, 1] and channel counts
// must be positive.
func NewFFC(rng *rand.Rand, inChannels, outChannels int, globalInRatio, globalOutRatio float64) (*FFC, error) {
	if inChannels < 1 || outChannels < 1 {
		return nil, errs.Configf("ffc channels must be positive, got %d -> %d", inChannels, outChannels)
	}
	if globalInRatio < 0 || globalInRatio > 1 || globalOutRatio < 0 || globalOutRatio > 1 {
		return nil, errs.Configf("ffc global ratios must be within [0, 1], got %v and %v", globalInRatio, globalOutRatio)
	}

	f := &FFC{
		inGlobal:  int(float64(inChannels) * globalInRatio),
		outGlobal: int(float64(outChannels) * globalOutRatio),
	}
	f.inLocal = inChannels - f.inGlobal
	f.outLocal = outChannels - f.outGlobal

	if f.inLocal > 0 && f.outLocal > 0 {
		f.l2l = NewConv2D(rng, f.inLocal, f.outLocal, 3, 1, 1, nil)
	}
	if f.inLocal > 0 && f.outGlobal > 0 {
		f.l2g = NewConv2D(rng, f.inLocal, f.outGlobal, 1, 1, 0, nil)
	}
	if f.inGlobal > 0 && f.outLocal > 0 {
		f.g2l = NewConv2D(rng, f.inGlobal, f.outLocal, 1, 1, 0, nil)
	}
	if f.inGlobal > 0 && f.outGlobal > 0 {
		f.g2g = NewFourierUnit(rng, f.inGlobal, f.outGlobal)
	}
	if f.outLocal > 0 && f.l2l == nil && f.g2l == nil {
		return nil, errs.Configf("ffc local output of %d channels has no input path", f.outLocal)
	}
	if f.outGlobal > 0 && f.l2g == nil && f.g2g == nil {
		return nil, errs.Configf("ffc global output of %d channels has no input path", f.outGlobal)
	}

	f.bn = NewDefaultBatchNorm2D(outChannels)
	f.act = NewActivation(activations.ReLU{})
	return f, nil
}

// Groups returns the local and global channel counts of input and output.
func (f *FFC) Groups() (inLocal, inGlobal, outLocal, outGlobal int) {
	return f.inLocal, f.inGlobal, f.outLocal, f.outGlobal
}

// HasPath reports which of the four paths were built, in the order
// local->local, local->global, global->local, global->global.
func (f *FFC) HasPath() [4]bool {
	return [4]bool{f.l2l != nil, f.l2g != nil, f.g2l != nil, f.g2g != nil}
}

func (f *FFC) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, _, h, w := x.Dims4()
	xl, xg := tensor.SplitChannels(x, f.inLocal)

	yl := tensor.New(n, f.outLocal, h, w)
	yg := tensor.New(n, f.outGlobal, h, w)
	if f.l2l != nil {
		tensor.AddInPlace(yl, f.l2l.Forward(xl))
	}
	if f.g2l != nil {
		tensor.AddInPlace(yl, f.g2l.Forward(xg))
	}
	if f.l2g != nil {
		tensor.AddInPlace(yg, f.l2g.Forward(xl))
	}
	if f.g2g != nil {
		tensor.AddInPlace(yg, f.g2g.Forward(xg))
	}

	return f.act.Forward(f.bn.Forward(tensor.ConcatChannels(yl, yg)))
}

func (f *FFC) Backward(grad *tensor.Tensor) *tensor.Tensor {
	n, _, h, w := grad.Dims4()
	g := f.bn.Backward(f.act.Backward(grad))
	gl, gg := tensor.SplitChannels(g, f.outLocal)

	gxl := tensor.New(n, f.inLocal, h, w)
	gxg := tensor.New(n, f.inGlobal, h, w)
	if f.l2l != nil {
		tensor.AddInPlace(gxl, f.l2l.Backward(gl))
	}
	if f.l2g != nil {
		tensor.AddInPlace(gxl, f.l2g.Backward(gg))
	}
	if f.g2l != nil {
		tensor.AddInPlace(gxg, f.g2l.Backward(gl))
	}
	if f.g2g != nil {
		tensor.AddInPlace(gxg, f.g2g.Backward(gg))
	}
	return tensor.ConcatChannels(gxl, gxg)
}

func (f *FFC) paths() []namedLayer {
	var out []namedLayer
	for _, p := range []namedLayer{{"l2l", f.l2l}, {"l2g", f.l2g}, {"g2l", f.g2l}, {"g2g", f.g2g}} {
		if p.layer != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f *FFC) NamedParams() []NamedParam {
	var params []NamedParam
	for _, p := range f.paths() {
		params = append(params, Prefix(p.name, p.layer.NamedParams())...)
	}
	return append(params, Prefix("bn", f.bn.NamedParams())...)
}

func (f *FFC) Buffers() []NamedParam { return Prefix("bn", f.bn.Buffers()) }

func (f *FFC) ClearGradients() {
	for _, p := range f.paths() {
		p.layer.ClearGradients()
	}
	f.bn.ClearGradients()
}

func (f *FFC) SetTraining(training bool) { f.bn.SetTraining(training) }

// FFCResidualBlock computes relu(bn(conv3x3(ffc(x))) + x).
type FFCResidualBlock struct {
	ffc  *FFC
	conv *Conv2D
	bn   *BatchNorm2D
	act  *Activation
}

// NewFFCResidualBlock builds a residual block keeping the channel count.
func NewFFCResidualBlock(rng *rand.Rand, channels int, globalRatio float64) (*FFCResidualBlock, error) {
	ffc, err := NewFFC(rng, channels, channels, globalRatio, globalRatio)
	if err != nil {
		return nil, err
	}
	return &FFCResidualBlock{
		ffc:  ffc,
		conv: NewConv2D(rng, channels, channels, 3, 1, 1, nil),
		bn:   NewDefaultBatchNorm2D(channels),
		act:  NewActivation(activations.ReLU{}),
	}, nil
}

func (r *FFCResidualBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := r.bn.Forward(r.conv.Forward(r.ffc.Forward(x)))
	return r.act.Forward(tensor.Add(y, x))
}

func (r *FFCResidualBlock) Backward(grad *tensor.Tensor) *tensor.Tensor {
	gSum := r.act.Backward(grad)
	gx := r.ffc.Backward(r.conv.Backward(r.bn.Backward(gSum)))
	tensor.AddInPlace(gx, gSum)
	return gx
}

func (r *FFCResidualBlock) NamedParams() []NamedParam {
	params := Prefix("ffc", r.ffc.NamedParams())
	params = append(params, Prefix("conv", r.conv.NamedParams())...)
	return append(params, Prefix("bn", r.bn.NamedParams())...)
}

func (r *FFCResidualBlock) Buffers() []NamedParam {
	return append(Prefix("ffc", r.ffc.Buffers()), Prefix("bn", r.bn.Buffers())...)
}

func (r *FFCResidualBlock) ClearGradients() {
	r.ffc.ClearGradients()
	r.conv.ClearGradients()
	r.bn.ClearGradients()
}

func (r *FFCResidualBlock) SetTraining(training bool) {
	r.ffc.SetTraining(training)
	r.bn.SetTraining(training)
}
