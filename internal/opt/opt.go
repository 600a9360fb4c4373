// Package opt provides optimization algorithms.
package opt

import (
	"math"

	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/layer"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	Step(params []layer.NamedParam)
}

// Adam optimizer with per-parameter first and second moments keyed by
// parameter name.
type Adam struct {
	LearningRate float64
	Beta1        float64 // Exponential decay rate for first moment
	Beta2        float64 // Exponential decay rate for second moment
	Epsilon      float64 // Small constant for numerical stability

	step   int
	first  map[string][]float32
	second map[string][]float32
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return NewAdamWithBetas(learningRate, 0.9, 0.999, 1e-8)
}

// NewAdamWithBetas creates an Adam optimizer with explicit decay rates.
func NewAdamWithBetas(learningRate, beta1, beta2, epsilon float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        beta1,
		Beta2:        beta2,
		Epsilon:      epsilon,
		first:        make(map[string][]float32),
		second:       make(map[string][]float32),
	}
}

// Step applies one bias-corrected Adam update to every parameter.
func (a *Adam) Step(params []layer.NamedParam) {
	a.step++
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	correction1 := 1 - math.Pow(a.Beta1, float64(a.step))
	correction2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := float32(a.LearningRate / correction1)
	sqrtCorrection2 := float32(math.Sqrt(correction2))
	eps := float32(a.Epsilon)

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		m, ok := a.first[p.Name]
		if !ok || len(m) != len(p.Data) {
			m = make([]float32, len(p.Data))
			a.first[p.Name] = m
			a.second[p.Name] = make([]float32, len(p.Data))
		}
		v := a.second[p.Name]
		for i, g := range p.Grad {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			denom := float32(math.Sqrt(float64(v[i])))/sqrtCorrection2 + eps
			p.Data[i] -= stepSize * m[i] / denom
		}
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }

// AdamState is the serializable state of an Adam optimizer.
type AdamState struct {
	Step   int
	First  map[string][]float32
	Second map[string][]float32
}

// State returns a deep copy of the optimizer state.
func (a *Adam) State() AdamState {
	s := AdamState{
		Step:   a.step,
		First:  make(map[string][]float32, len(a.first)),
		Second: make(map[string][]float32, len(a.second)),
	}
	for name, m := range a.first {
		s.First[name] = append([]float32(nil), m...)
		s.Second[name] = append([]float32(nil), a.second[name]...)
	}
	return s
}

// LoadState restores a state produced by State. Every stored moment must
// belong to one of params and match its length; once any step was taken,
// every trainable parameter must have moments.
func (a *Adam) LoadState(s AdamState, params []layer.NamedParam) error {
	sizes := make(map[string]int, len(params))
	for _, p := range params {
		if p.Grad != nil {
			sizes[p.Name] = len(p.Data)
		}
	}
	for name, m := range s.First {
		size, ok := sizes[name]
		if !ok {
			return errs.Shapef("optimizer state for unknown parameter %q", name)
		}
		if len(m) != size || len(s.Second[name]) != size {
			return errs.Shapef("optimizer state for %q has %d values, want %d", name, len(m), size)
		}
	}
	if s.Step > 0 {
		for name := range sizes {
			if _, ok := s.First[name]; !ok {
				return errs.Shapef("optimizer state missing parameter %q", name)
			}
		}
	}

	restored := NewAdamWithBetas(a.LearningRate, a.Beta1, a.Beta2, a.Epsilon)
	a.first, a.second = restored.first, restored.second
	a.step = s.Step
	for name, m := range s.First {
		a.first[name] = append([]float32(nil), m...)
		a.second[name] = append([]float32(nil), s.Second[name]...)
	}
	return nil
}
