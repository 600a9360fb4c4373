// Package layer provides neural network layer implementations.
//
// Layers operate on [N, C, H, W] tensors. Forward caches whatever the
// matching Backward needs, so every Backward must follow the Forward it
// differentiates. Backward accumulates parameter gradients; callers clear
// them with ClearGradients at their own boundaries.
package layer

import (
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/dekun/dekun/internal/tensor"
)

// Layer is a neural network layer.
type Layer interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
	NamedParams() []NamedParam
	ClearGradients()
}

// NamedParam is a named view over a parameter and its gradient buffer.
// Grad is nil for non-trainable buffers.
type NamedParam struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// Buffered is implemented by layers carrying non-trainable state that must be
// persisted, such as batch-norm running statistics.
type Buffered interface {
	Buffers() []NamedParam
}

// Switchable is implemented by layers whose behaviour differs between
// training and inference.
type Switchable interface {
	SetTraining(training bool)
}

// Buffers returns the persisted non-trainable state of l, if any.
func Buffers(l Layer) []NamedParam {
	if b, ok := l.(Buffered); ok {
		return b.Buffers()
	}
	return nil
}

// SetTraining switches l between training and inference when it supports it.
func SetTraining(l Layer, training bool) {
	if s, ok := l.(Switchable); ok {
		s.SetTraining(training)
	}
}

// Prefix qualifies parameter names with prefix and a dot.
func Prefix(prefix string, params []NamedParam) []NamedParam {
	out := make([]NamedParam, len(params))
	for i, p := range params {
		p.Name = prefix + "." + p.Name
		out[i] = p
	}
	return out
}

func clear32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

// heInit fills w uniformly in [-scale, scale] with scale = sqrt(2/fanIn) and
// b in [-0.1, 0.1].
func heInit(rng *rand.Rand, w, b []float32, fanIn int) {
	scale := float32(1)
	if fanIn > 0 {
		scale = float32(math.Sqrt(2.0 / float64(fanIn)))
	}
	for i := range w {
		w[i] = rng.Float32()*2*scale - scale
	}
	for i := range b {
		b[i] = rng.Float32()*0.2 - 0.1
	}
}

// parallelFor runs fn for every index in [0, n) on up to runtime.NumCPU()
// workers, each taking a contiguous chunk. fn must only write state owned by
// its index.
func parallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	numWorkers := min(n, runtime.NumCPU())
	if numWorkers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := (n + numWorkers - 1) / numWorkers
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
