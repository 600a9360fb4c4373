// Package activations provides element-wise activation functions.
package activations

import "math"

// Activation is an activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float32) float32

	// Derivative computes f'(x) from the pre-activation value x.
	Derivative(x float32) float32
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float32) float32 {
	if x > 0 {
		return 1
	}
	return 0
}

// LeakyReLU activation function to prevent dying neurons.
// PyTorch reference: torch.nn.LeakyReLU(negative_slope=0.01)
type LeakyReLU struct {
	Alpha float32 // Slope for x <= 0
}

// NewLeakyReLU creates a LeakyReLU with the given alpha value.
func NewLeakyReLU(alpha float32) *LeakyReLU {
	return &LeakyReLU{Alpha: alpha}
}

// Activate computes x if x > 0, else alpha*x
func (l *LeakyReLU) Activate(x float32) float32 {
	if x > 0 {
		return x
	}
	return l.Alpha * x
}

// Derivative returns 1 if x > 0, else alpha
func (l *LeakyReLU) Derivative(x float32) float32 {
	if x > 0 {
		return 1
	}
	return l.Alpha
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(x)
func (t Tanh) Activate(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Derivative computes 1 - tanh(x)^2
func (t Tanh) Derivative(x float32) float32 {
	tanhX := math.Tanh(float64(x))
	return float32(1 - tanhX*tanhX)
}

// Linear is the identity activation.
type Linear struct{}

func (l Linear) Activate(x float32) float32   { return x }
func (l Linear) Derivative(x float32) float32 { return 1 }

// Name returns a stable identifier for an activation, used in layer summaries.
func Name(act Activation) string {
	switch act.(type) {
	case ReLU:
		return "ReLU"
	case *LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	case Linear, nil:
		return "Linear"
	default:
		return "Unknown"
	}
}
