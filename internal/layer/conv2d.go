package layer

import (
	"fmt"
	"math/rand"

	"github.com/dekun/dekun/internal/activations"
	"github.com/dekun/dekun/internal/tensor"
)

// Conv2D implements a 2D convolutional layer with an optional fused activation.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	// Weights: [outChannels, inChannels, kernelSize, kernelSize]
	weights []float32
	biases  []float32

	activation activations.Activation

	gradWeights []float32
	gradBiases  []float32

	// Saved for the backward pass
	savedInput *tensor.Tensor
	preAct     *tensor.Tensor
}

// NewConv2D creates a new 2D convolutional layer with He-initialized weights
// drawn from rng. A nil activation is linear.
func NewConv2D(rng *rand.Rand, inChannels, outChannels, kernelSize, stride, padding int,
	activation activations.Activation) *Conv2D {

	if activation == nil {
		activation = activations.Linear{}
	}
	weights := make([]float32, outChannels*inChannels*kernelSize*kernelSize)
	biases := make([]float32, outChannels)
	heInit(rng, weights, biases, inChannels*kernelSize*kernelSize)

	return &Conv2D{
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
func (c *Conv2D) OutputSize(h, w int) (int, int) {
	outH := (h+2*c.padding-c.kernelSize)/c.stride + 1
	outW := (w+2*c.padding-c.kernelSize)/c.stride + 1
	return outH, outW
}

// Forward convolves a [N, inChannels, H, W] input.
func (c *Conv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, ch, inH, inW := x.Dims4()
	if ch != c.inChannels {
		panic(fmt.Sprintf("Conv2D: expected %d input channels, got %d", c.inChannels, ch))
	}
	outH, outW := c.OutputSize(inH, inW)
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("Conv2D: input %dx%d too small for kernel %d", inH, inW, c.kernelSize))
	}

	c.savedInput = x
	preAct := tensor.New(n, c.outChannels, outH, outW)
	out := tensor.New(n, c.outChannels, outH, outW)

	k := c.kernelSize
	inPlane := inH * inW
	outPlane := outH * outW
	icWeightStride := k * k
	ocWeightStride := c.inChannels * icWeightStride

	parallelFor(n*c.outChannels, func(job int) {
		b, oc := job/c.outChannels, job%c.outChannels
		dst := preAct.Data[job*outPlane : (job+1)*outPlane]
		bias := c.biases[oc]
		for i := range dst {
			dst[i] = bias
		}
		for ic := 0; ic < c.inChannels; ic++ {
			src := x.Data[(b*c.inChannels+ic)*inPlane : (b*c.inChannels+ic+1)*inPlane]
			wBase := oc*ocWeightStride + ic*icWeightStride
			for kh := 0; kh < k; kh++ {
				for kw := 0; kw < k; kw++ {
					wVal := c.weights[wBase+kh*k+kw]
					if wVal == 0 {
						continue
					}
					for oh := 0; oh < outH; oh++ {
						ih := oh*c.stride + kh - c.padding
						if ih < 0 || ih >= inH {
							continue
						}
						row := src[ih*inW : (ih+1)*inW]
						drow := dst[oh*outW : (oh+1)*outW]
						for ow := 0; ow < outW; ow++ {
							iw := ow*c.stride + kw - c.padding
							if iw >= 0 && iw < inW {
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

// Backward accumulates weight and bias gradients and returns the gradient
// with respect to the input of the last Forward.
func (c *Conv2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	x := c.savedInput
	n, _, inH, inW := x.Dims4()
	_, _, outH, outW := c.preAct.Dims4()
	if !grad.SameShape(c.preAct) {
		panic(fmt.Sprintf("Conv2D: gradient %v does not match output %v", grad.Shape, c.preAct.Shape))
	}

	dz := tensor.New(grad.Shape...)
	for i, g := range grad.Data {
		dz.Data[i] = g * c.activation.Derivative(c.preAct.Data[i])
	}

	k := c.kernelSize
	inPlane := inH * inW
	outPlane := outH * outW
	icWeightStride := k * k
	ocWeightStride := c.inChannels * icWeightStride

	// Weight and bias gradients, one output channel per job.
	parallelFor(c.outChannels, func(oc int) {
		for b := 0; b < n; b++ {
			g := dz.Data[(b*c.outChannels+oc)*outPlane : (b*c.outChannels+oc+1)*outPlane]
			var sum float32
			for _, v := range g {
				sum += v
			}
			c.gradBiases[oc] += sum

			for ic := 0; ic < c.inChannels; ic++ {
				src := x.Data[(b*c.inChannels+ic)*inPlane : (b*c.inChannels+ic+1)*inPlane]
				wBase := oc*ocWeightStride + ic*icWeightStride
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						var acc float32
						for oh := 0; oh < outH; oh++ {
							ih := oh*c.stride + kh - c.padding
							if ih < 0 || ih >= inH {
								continue
							}
							row := src[ih*inW : (ih+1)*inW]
							grow := g[oh*outW : (oh+1)*outW]
							for ow := 0; ow < outW; ow++ {
								iw := ow*c.stride + kw - c.padding
								if iw >= 0 && iw < inW {
									acc += grow[ow] * row[iw]
								}
							}
						}
						c.gradWeights[wBase+kh*k+kw] += acc
					}
				}
			}
		}
	})

	// Input gradient, one (sample, input channel) plane per job.
	gradIn := tensor.New(x.Shape...)
	parallelFor(n*c.inChannels, func(job int) {
		b, ic := job/c.inChannels, job%c.inChannels
		dst := gradIn.Data[job*inPlane : (job+1)*inPlane]
		for oc := 0; oc < c.outChannels; oc++ {
			g := dz.Data[(b*c.outChannels+oc)*outPlane : (b*c.outChannels+oc+1)*outPlane]
			wBase := oc*ocWeightStride + ic*icWeightStride
			for kh := 0; kh < k; kh++ {
				for kw := 0; kw < k; kw++ {
					wVal := c.weights[wBase+kh*k+kw]
					for oh := 0; oh < outH; oh++ {
						ih := oh*c.stride + kh - c.padding
						if ih < 0 || ih >= inH {
							continue
						}
						drow := dst[ih*inW : (ih+1)*inW]
						grow := g[oh*outW : (oh+1)*outW]
						for ow := 0; ow < outW; ow++ {
							iw := ow*c.stride + kw - c.padding
							if iw >= 0 && iw < inW {
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
func (c *Conv2D) NamedParams() []NamedParam {
	k := c.kernelSize
	return []NamedParam{
		{Name: "weight", Shape: []int{c.outChannels, c.inChannels, k, k}, Data: c.weights, Grad: c.gradWeights},
		{Name: "bias", Shape: []int{c.outChannels}, Data: c.biases, Grad: c.gradBiases},
	}
}

// ClearGradients zeroes out the accumulated gradients.
func (c *Conv2D) ClearGradients() {
	clear32(c.gradWeights)
	clear32(c.gradBiases)
}

// InChannels returns the number of input channels.
func (c *Conv2D) InChannels() int { return c.inChannels }

// OutChannels returns the number of output channels.
func (c *Conv2D) OutChannels() int { return c.outChannels }

// GetActivation returns the activation function.
func (c *Conv2D) GetActivation() activations.Activation { return c.activation }
