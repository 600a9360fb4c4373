package layer

import (
	"fmt"
	"math"

	"github.com/dekun/dekun/internal/tensor"
)

// BatchNorm2D implements 2D batch normalization.
// Normalizes across batch and spatial dimensions, learns scale/shift per channel.
type BatchNorm2D struct {
	numFeatures int
	eps         float32
	momentum    float32

	training bool

	gamma []float32
	beta  []float32

	// Running statistics (for inference)
	runningMean []float32
	runningVar  []float32

	gradGamma []float32
	gradBeta  []float32

	// Saved for the backward pass
	savedNorm *tensor.Tensor
	savedStd  []float32
}

// NewBatchNorm2D creates a new 2D batch normalization layer in training mode.
func NewBatchNorm2D(numFeatures int, eps, momentum float32) *BatchNorm2D {
	b := &BatchNorm2D{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		training:    true,
		gamma:       make([]float32, numFeatures),
		beta:        make([]float32, numFeatures),
		runningMean: make([]float32, numFeatures),
		runningVar:  make([]float32, numFeatures),
		gradGamma:   make([]float32, numFeatures),
		gradBeta:    make([]float32, numFeatures),
		savedStd:    make([]float32, numFeatures),
	}
	for i := 0; i < numFeatures; i++ {
		b.gamma[i] = 1
		b.runningVar[i] = 1
	}
	return b
}

// NewDefaultBatchNorm2D uses eps 1e-5 and momentum 0.1.
func NewDefaultBatchNorm2D(numFeatures int) *BatchNorm2D {
	return NewBatchNorm2D(numFeatures, 1e-5, 0.1)
}

// Forward normalizes with batch statistics in training mode (updating the
// running statistics) and with running statistics otherwise.
func (b *BatchNorm2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, ch, h, w := x.Dims4()
	if ch != b.numFeatures {
		panic(fmt.Sprintf("BatchNorm2D: expected %d channels, got %d", b.numFeatures, ch))
	}
	spatial := h * w
	count := n * spatial
	out := tensor.New(x.Shape...)

	if !b.training {
		for f := 0; f < ch; f++ {
			std := float32(math.Sqrt(float64(b.runningVar[f] + b.eps)))
			mean := b.runningMean[f]
			for i := 0; i < n; i++ {
				base := (i*ch + f) * spatial
				for s := 0; s < spatial; s++ {
					out.Data[base+s] = b.gamma[f]*(x.Data[base+s]-mean)/std + b.beta[f]
				}
			}
		}
		return out
	}

	norm := tensor.New(x.Shape...)
	parallelFor(ch, func(f int) {
		var sum float64
		for i := 0; i < n; i++ {
			base := (i*ch + f) * spatial
			for s := 0; s < spatial; s++ {
				sum += float64(x.Data[base+s])
			}
		}
		mean := sum / float64(count)

		var sumSq float64
		for i := 0; i < n; i++ {
			base := (i*ch + f) * spatial
			for s := 0; s < spatial; s++ {
				diff := float64(x.Data[base+s]) - mean
				sumSq += diff * diff
			}
		}
		variance := sumSq / float64(count)
		std := float32(math.Sqrt(variance + float64(b.eps)))
		b.savedStd[f] = std

		unbiased := variance
		if count > 1 {
			unbiased = sumSq / float64(count-1)
		}
		b.runningMean[f] = (1-b.momentum)*b.runningMean[f] + b.momentum*float32(mean)
		b.runningVar[f] = (1-b.momentum)*b.runningVar[f] + b.momentum*float32(unbiased)

		m := float32(mean)
		for i := 0; i < n; i++ {
			base := (i*ch + f) * spatial
			for s := 0; s < spatial; s++ {
				xhat := (x.Data[base+s] - m) / std
				norm.Data[base+s] = xhat
				out.Data[base+s] = b.gamma[f]*xhat + b.beta[f]
			}
		}
	})

	b.savedNorm = norm
	return out
}

// Backward accumulates gamma and beta gradients and returns the input gradient.
func (b *BatchNorm2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	n, ch, h, w := grad.Dims4()
	spatial := h * w
	gradIn := tensor.New(grad.Shape...)

	if !b.training {
		for f := 0; f < ch; f++ {
			scale := b.gamma[f] / float32(math.Sqrt(float64(b.runningVar[f]+b.eps)))
			for i := 0; i < n; i++ {
				base := (i*ch + f) * spatial
				for s := 0; s < spatial; s++ {
					gradIn.Data[base+s] = grad.Data[base+s] * scale
				}
			}
		}
		return gradIn
	}

	if b.savedNorm == nil || !b.savedNorm.SameShape(grad) {
		panic(fmt.Sprintf("BatchNorm2D: gradient %v does not match last forward", grad.Shape))
	}
	m := float32(n * spatial)
	parallelFor(ch, func(f int) {
		var sumGrad, sumGradNorm float32
		for i := 0; i < n; i++ {
			base := (i*ch + f) * spatial
			for s := 0; s < spatial; s++ {
				g := grad.Data[base+s]
				sumGrad += g
				sumGradNorm += g * b.savedNorm.Data[base+s]
			}
		}
		b.gradBeta[f] += sumGrad
		b.gradGamma[f] += sumGradNorm

		scale := b.gamma[f] / b.savedStd[f]
		for i := 0; i < n; i++ {
			base := (i*ch + f) * spatial
			for s := 0; s < spatial; s++ {
				xhat := b.savedNorm.Data[base+s]
				gradIn.Data[base+s] = scale * (grad.Data[base+s] - sumGrad/m - xhat*sumGradNorm/m)
			}
		}
	})
	return gradIn
}

// NamedParams returns gamma and beta as "weight" and "bias".
func (b *BatchNorm2D) NamedParams() []NamedParam {
	return []NamedParam{
		{Name: "weight", Shape: []int{b.numFeatures}, Data: b.gamma, Grad: b.gradGamma},
		{Name: "bias", Shape: []int{b.numFeatures}, Data: b.beta, Grad: b.gradBeta},
	}
}

// Buffers returns the running statistics.
func (b *BatchNorm2D) Buffers() []NamedParam {
	return []NamedParam{
		{Name: "running_mean", Shape: []int{b.numFeatures}, Data: b.runningMean},
		{Name: "running_var", Shape: []int{b.numFeatures}, Data: b.runningVar},
	}
}

func (b *BatchNorm2D) ClearGradients() {
	clear32(b.gradGamma)
	clear32(b.gradBeta)
}

func (b *BatchNorm2D) SetTraining(training bool) { b.training = training }
func (b *BatchNorm2D) IsTraining() bool          { return b.training }
func (b *BatchNorm2D) GetRunningMean() []float32 { return b.runningMean }
func (b *BatchNorm2D) GetRunningVar() []float32  { return b.runningVar }
