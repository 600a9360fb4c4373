package layer

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/tensor"
)

// fftPlan computes orthonormal real 2D FFTs of H x W planes: a real FFT along
// rows followed by a complex FFT along the W/2+1 retained columns.
// A plan owns scratch buffers and must not be shared between goroutines.
type fftPlan struct {
	h, w, wc int
	scale    float64

	rowFFT *fourier.FFT
	colFFT *fourier.CmplxFFT

	row  []float64
	rowC []complex128
	col  []complex128
	grid []complex128
}

func newFFTPlan(h, w int) *fftPlan {
	wc := w/2 + 1
	return &fftPlan{
		h:      h,
		w:      w,
		wc:     wc,
		scale:  1 / math.Sqrt(float64(h*w)),
		rowFFT: fourier.NewFFT(w),
		colFFT: fourier.NewCmplxFFT(h),
		row:    make([]float64, w),
		rowC:   make([]complex128, wc),
		col:    make([]complex128, h),
		grid:   make([]complex128, h*wc),
	}
}

// multiplicity is the number of times column l of a half spectrum appears in
// the full Hermitian spectrum.
func (p *fftPlan) multiplicity(l int) float32 {
	if l == 0 || (p.w%2 == 0 && l == p.w/2) {
		return 1
	}
	return 2
}

// rfft2 writes the orthonormal half spectrum of src (h*w) into re and im (h*wc).
func (p *fftPlan) rfft2(src, re, im []float32) {
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			p.row[x] = float64(src[y*p.w+x])
		}
		p.rowFFT.Coefficients(p.rowC, p.row)
		copy(p.grid[y*p.wc:(y+1)*p.wc], p.rowC)
	}
	for l := 0; l < p.wc; l++ {
		for k := 0; k < p.h; k++ {
			p.col[k] = p.grid[k*p.wc+l]
		}
		p.colFFT.Coefficients(p.col, p.col)
		for k := 0; k < p.h; k++ {
			v := p.col[k]
			re[k*p.wc+l] = float32(real(v) * p.scale)
			im[k*p.wc+l] = float32(imag(v) * p.scale)
		}
	}
}

// irfft2 inverts rfft2 back to an h*w real plane in dst. The imaginary parts
// that a real signal cannot carry (DC and Nyquist columns after the column
// transform) are discarded.
func (p *fftPlan) irfft2(re, im, dst []float32) {
	for l := 0; l < p.wc; l++ {
		for k := 0; k < p.h; k++ {
			p.col[k] = complex(float64(re[k*p.wc+l]), float64(im[k*p.wc+l]))
		}
		p.colFFT.Sequence(p.col, p.col)
		for k := 0; k < p.h; k++ {
			p.grid[k*p.wc+l] = p.col[k]
		}
	}
	for y := 0; y < p.h; y++ {
		copy(p.rowC, p.grid[y*p.wc:(y+1)*p.wc])
		p.rowFFT.Sequence(p.row, p.rowC)
		for x := 0; x < p.w; x++ {
			dst[y*p.w+x] = float32(p.row[x] * p.scale)
		}
	}
}

// rfft2Backward maps a gradient on the half spectrum back onto the input
// plane: the adjoint of rfft2 is irfft2 after dividing by the multiplicity.
func (p *fftPlan) rfft2Backward(gRe, gIm, dst []float32) {
	re := make([]float32, len(gRe))
	im := make([]float32, len(gIm))
	for k := 0; k < p.h; k++ {
		for l := 0; l < p.wc; l++ {
			c := p.multiplicity(l)
			re[k*p.wc+l] = gRe[k*p.wc+l] / c
			im[k*p.wc+l] = gIm[k*p.wc+l] / c
		}
	}
	p.irfft2(re, im, dst)
}

// irfft2Backward maps a gradient on the output plane onto the half spectrum:
// the adjoint of irfft2 is rfft2 scaled by the multiplicity.
func (p *fftPlan) irfft2Backward(g, re, im []float32) {
	p.rfft2(g, re, im)
	for k := 0; k < p.h; k++ {
		for l := 0; l < p.wc; l++ {
			c := p.multiplicity(l)
			re[k*p.wc+l] *= c
			im[k*p.wc+l] *= c
		}
	}
}

// planPool hands out per-goroutine plans for one plane size.
type planPool struct {
	h, w int
	pool sync.Pool
}

func newPlanPool(h, w int) *planPool {
	pp := &planPool{h: h, w: w}
	pp.pool.New = func() any { return newFFTPlan(h, w) }
	return pp
}

func (pp *planPool) get() *fftPlan  { return pp.pool.Get().(*fftPlan) }
func (pp *planPool) put(p *fftPlan) { pp.pool.Put(p) }

// FourierUnit mixes channels in the frequency domain: real 2D FFT, real and
// imaginary parts stacked as channels [re..., im...], 1x1 conv, ReLU, 1x1
// conv, then the inverse FFT at the input size.
type FourierUnit struct {
	inChannels  int
	outChannels int

	conv *Sequential

	plans *planPool
}

// NewFourierUnit creates a Fourier unit mapping inChannels to outChannels.
func NewFourierUnit(rng *rand.Rand, inChannels, outChannels int) *FourierUnit {
	return &FourierUnit{
		inChannels:  inChannels,
		outChannels: outChannels,
		conv: NewSequential(
			NewConv2D(rng, inChannels*2, outChannels*2, 1, 1, 0, activations.ReLU{}),
			NewConv2D(rng, outChannels*2, outChannels*2, 1, 1, 0, nil),
		),
	}
}

func (f *FourierUnit) planFor(h, w int) *planPool {
	if f.plans == nil || f.plans.h != h || f.plans.w != w {
		f.plans = newPlanPool(h, w)
	}
	return f.plans
}

func (f *FourierUnit) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	if c != f.inChannels {
		panic(fmt.Sprintf("FourierUnit: expected %d channels, got %d", f.inChannels, c))
	}
	plans := f.planFor(h, w)
	wc := w/2 + 1
	spec := tensor.New(n, 2*c, h, wc)
	specPlane := h * wc

	parallelFor(n*c, func(job int) {
		b, ch := job/c, job%c
		p := plans.get()
		defer plans.put(p)
		re := spec.Data[(b*2*c+ch)*specPlane : (b*2*c+ch+1)*specPlane]
		im := spec.Data[(b*2*c+c+ch)*specPlane : (b*2*c+c+ch+1)*specPlane]
		p.rfft2(x.Data[job*h*w:(job+1)*h*w], re, im)
	})

	mixed := f.conv.Forward(spec)

	oc := f.outChannels
	out := tensor.New(n, oc, h, w)
	parallelFor(n*oc, func(job int) {
		b, ch := job/oc, job%oc
		p := plans.get()
		defer plans.put(p)
		re := mixed.Data[(b*2*oc+ch)*specPlane : (b*2*oc+ch+1)*specPlane]
		im := mixed.Data[(b*2*oc+oc+ch)*specPlane : (b*2*oc+oc+ch+1)*specPlane]
		p.irfft2(re, im, out.Data[job*h*w:(job+1)*h*w])
	})
	return out
}

func (f *FourierUnit) Backward(grad *tensor.Tensor) *tensor.Tensor {
	n, oc, h, w := grad.Dims4()
	plans := f.planFor(h, w)
	wc := w/2 + 1
	specPlane := h * wc

	gMixed := tensor.New(n, 2*oc, h, wc)
	parallelFor(n*oc, func(job int) {
		b, ch := job/oc, job%oc
		p := plans.get()
		defer plans.put(p)
		re := gMixed.Data[(b*2*oc+ch)*specPlane : (b*2*oc+ch+1)*specPlane]
		im := gMixed.Data[(b*2*oc+oc+ch)*specPlane : (b*2*oc+oc+ch+1)*specPlane]
		p.irfft2Backward(grad.Data[job*h*w:(job+1)*h*w], re, im)
	})

	gSpec := f.conv.Backward(gMixed)

	c := f.inChannels
	gradIn := tensor.New(n, c, h, w)
	parallelFor(n*c, func(job int) {
		b, ch := job/c, job%c
		p := plans.get()
		defer plans.put(p)
		re := gSpec.Data[(b*2*c+ch)*specPlane : (b*2*c+ch+1)*specPlane]
		im := gSpec.Data[(b*2*c+c+ch)*specPlane : (b*2*c+c+ch+1)*specPlane]
		p.rfft2Backward(re, im, gradIn.Data[job*h*w:(job+1)*h*w])
	})
	return gradIn
}

func (f *FourierUnit) NamedParams() []NamedParam { return Prefix("conv", f.conv.NamedParams()) }
func (f *FourierUnit) ClearGradients()           { f.conv.ClearGradients() }
