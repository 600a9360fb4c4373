package layer

import (
	"fmt"
	"math"

	"github.com/dekun/dekun/internal/tensor"
)

// MaxPool2D implements 2D max pooling without padding.
// Stores argmax indices for correct gradient flow during backward pass.
type MaxPool2D struct {
	kernelSize int
	stride     int

	inShape []int
	argmax  []int // Index into the input for each output position
}

// NewMaxPool2D creates a new 2D max pooling layer.
func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{kernelSize: kernelSize, stride: stride}
}

func (m *MaxPool2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, inH, inW := x.Dims4()
	outH := (inH-m.kernelSize)/m.stride + 1
	outW := (inW-m.kernelSize)/m.stride + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("MaxPool2D: input %dx%d smaller than kernel %d", inH, inW, m.kernelSize))
	}

	out := tensor.New(n, c, outH, outW)
	m.inShape = append(m.inShape[:0], x.Shape...)
	m.argmax = make([]int, len(out.Data))

	parallelFor(n*c, func(plane int) {
		inBase := plane * inH * inW
		outBase := plane * outH * outW
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				best := float32(math.Inf(-1))
				bestIdx := inBase
				for kh := 0; kh < m.kernelSize; kh++ {
					row := inBase + (oh*m.stride+kh)*inW
					for kw := 0; kw < m.kernelSize; kw++ {
						idx := row + ow*m.stride + kw
						if v := x.Data[idx]; v > best {
							best, bestIdx = v, idx
						}
					}
				}
				out.Data[outBase+oh*outW+ow] = best
				m.argmax[outBase+oh*outW+ow] = bestIdx
			}
		}
	})
	return out
}

// Backward routes each output gradient to the input that won the max.
func (m *MaxPool2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	gradIn := tensor.New(m.inShape...)
	for i, g := range grad.Data {
		gradIn.Data[m.argmax[i]] += g
	}
	return gradIn
}

func (m *MaxPool2D) NamedParams() []NamedParam { return nil }
func (m *MaxPool2D) ClearGradients()           {}
