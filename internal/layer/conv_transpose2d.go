package layer

import (
	"fmt"
	"math/rand"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/tensor"
)

// ConvTranspose2D implements a 2D transposed (fractionally strided) convolution.
// With kernel 4, stride 2 and padding 1 it exactly doubles the spatial size.
type ConvTranspose2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	// Weights: [inChannels, outChannels, kernelSize, kernelSize]
	weights []float32
	biases  []float32

	activation activations.Activation

	gradWeights []float32
	gradBiases  []float32

	savedInput *tensor.Tensor
	preAct     *tensor.Tensor
}

// NewConvTranspose2D creates a transposed convolution with He-initialized
// weights drawn from rng. A nil activation is linear.
func NewConvTranspose2D(rng *rand.Rand, inChannels, outChannels, kernelSize, stride, padding int,
	activation activations.Activation) *ConvTranspose2D {

	if activation == nil {
		activation = activations.Linear{}
	}
	weights := make([]float32, inChannels*outChannels*kernelSize*kernelSize)
	biases := make([]float32, outChannels)
	heInit(rng, weights, biases, outChannels*kernelSize*kernelSize)

	return &ConvTranspose2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		activation:  activation,
		weights:     weights,
		biases:      biases,
		gradWeights: make([]float32, len(weights)),
		gradBiases:  make([]float32, len(biases)),
	}
}

// OutputSize returns the spatial output dimensions for an input of h x w.
func (c *ConvTranspose2D) OutputSize(h, w int) (int, int) {
	outH := (h-1)*c.stride - 2*c.padding + c.kernelSize
	outW := (w-1)*c.stride - 2*c.padding + c.kernelSize
	return outH, outW
}

// Forward scatters every input pixel through the kernel into the output.
func (c *ConvTranspose2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, ch, inH, inW := x.Dims4()
	if ch != c.inChannels {
		panic(fmt.Sprintf("ConvTranspose2D: expected %d input channels, got %d", c.inChannels, ch))
	}
	outH, outW := c.OutputSize(inH, inW)

	c.savedInput = x
	preAct := tensor.New(n, c.outChannels, outH, outW)
	out := tensor.New(n, c.outChannels, outH, outW)

	k := c.kernelSize
	inPlane := inH * inW
	outPlane := outH * outW
	kk := k * k

	parallelFor(n*c.outChannels, func(job int) {
		b, oc := job/c.outChannels, job%c.outChannels
		dst := preAct.Data[job*outPlane : (job+1)*outPlane]
		bias := c.biases[oc]
		for i := range dst {
			dst[i] = bias
		}
		for ic := 0; ic < c.inChannels; ic++ {
			src := x.Data[(b*c.inChannels+ic)*inPlane : (b*c.inChannels+ic+1)*inPlane]
			wBase := (ic*c.outChannels + oc) * kk
			for kh := 0; kh < k; kh++ {
				for kw := 0; kw < k; kw++ {
					wVal := c.weights[wBase+kh*k+kw]
					for ih := 0; ih < inH; ih++ {
						oh := ih*c.stride + kh - c.padding
						if oh < 0 || oh >= outH {
							continue
						}
						row := src[ih*inW : (ih+1)*inW]
						drow := dst[oh*outW : (oh+1)*outW]
						for iw := 0; iw < inW; iw++ {
							ow := iw*c.stride + kw - c.padding
							if ow >= 0 && ow < outW {
								drow[ow] += wVal * row[iw]
							}
						}
					}
				}
			}
		}
		act := out.Data[job*outPlane : (job+1)*outPlane]
		for i, z := range dst {
			act[i] = c.activation.Activate(z)
		}
	})

	c.preAct = preAct
	return out
}

// Backward accumulates weight and bias gradients and returns the input gradient.
func (c *ConvTranspose2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	x := c.savedInput
	n, _, inH, inW := x.Dims4()
	_, _, outH, outW := c.preAct.Dims4()
	if !grad.SameShape(c.preAct) {
		panic(fmt.Sprintf("ConvTranspose2D: gradient %v does not match output %v", grad.Shape, c.preAct.Shape))
	}

	dz := tensor.New(grad.Shape...)
	for i, g := range grad.Data {
		dz.Data[i] = g * c.activation.Derivative(c.preAct.Data[i])
	}

	k := c.kernelSize
	inPlane := inH * inW
	outPlane := outH * outW
	kk := k * k

	for b := 0; b < n; b++ {
		for oc := 0; oc < c.outChannels; oc++ {
			for _, v := range dz.Data[(b*c.outChannels+oc)*outPlane : (b*c.outChannels+oc+1)*outPlane] {
				c.gradBiases[oc] += v
			}
		}
	}

	// Weight gradients, one input channel per job (it owns weights[ic]).
	parallelFor(c.inChannels, func(ic int) {
		for b := 0; b < n; b++ {
			src := x.Data[(b*c.inChannels+ic)*inPlane : (b*c.inChannels+ic+1)*inPlane]
			for oc := 0; oc < c.outChannels; oc++ {
				g := dz.Data[(b*c.outChannels+oc)*outPlane : (b*c.outChannels+oc+1)*outPlane]
				wBase := (ic*c.outChannels + oc) * kk
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						var acc float32
						for ih := 0; ih < inH; ih++ {
							oh := ih*c.stride + kh - c.padding
							if oh < 0 || oh >= outH {
								continue
							}
							row := src[ih*inW : (ih+1)*inW]
							grow := g[oh*outW : (oh+1)*outW]
							for iw := 0; iw < inW; iw++ {
								ow := iw*c.stride + kw - c.padding
								if ow >= 0 && ow < outW {
									acc += row[iw] * grow[ow]
								}
							}
						}
						c.gradWeights[wBase+kh*k+kw] += acc
					}
				}
			}
		}
	})

	// Input gradient gathers from every output pixel the input touched.
	gradIn := tensor.New(x.Shape...)
	parallelFor(n*c.inChannels, func(job int) {
		b, ic := job/c.inChannels, job%c.inChannels
		dst := gradIn.Data[job*inPlane : (job+1)*inPlane]
		for oc := 0; oc < c.outChannels; oc++ {
			g := dz.Data[(b*c.outChannels+oc)*outPlane : (b*c.outChannels+oc+1)*outPlane]
			wBase := (ic*c.outChannels + oc) * kk
			for kh := 0; kh < k; kh++ {
				for kw := 0; kw < k; kw++ {
					wVal := c.weights[wBase+kh*k+kw]
					for ih := 0; ih < inH; ih++ {
						oh := ih*c.stride + kh - c.padding
						if oh < 0 || oh >= outH {
							continue
						}
						drow := dst[ih*inW : (ih+1)*inW]
						grow := g[oh*outW : (oh+1)*outW]
						for iw := 0; iw < inW; iw++ {
							ow := iw*c.stride + kw - c.padding
							if ow >= 0 && ow < outW {
								drow[iw] += grow[ow] * wVal
							}
						}
					}
				}
			}
		}
	})

	return gradIn
}

// NamedParams returns the weight and bias with their gradients.
func (c *ConvTranspose2D) NamedParams() []NamedParam {
	k := c.kernelSize
	return []NamedParam{
		{Name: "weight", Shape: []int{c.inChannels, c.outChannels, k, k}, Data: c.weights, Grad: c.gradWeights},
		{Name: "bias", Shape: []int{c.outChannels}, Data: c.biases, Grad: c.gradBiases},
	}
}

// ClearGradients zeroes out the accumulated gradients.
func (c *ConvTranspose2D) ClearGradients() {
	clear32(c.gradWeights)
	clear32(c.gradBiases)
}
