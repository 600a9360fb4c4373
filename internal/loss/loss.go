// Package loss provides the loss functions of the inpainting GAN.
package loss

import (
	"fmt"
	"math"

	"github.com/dekun/dekun/internal/tensor"
)

// Loss is a loss function with derivative.
type Loss interface {
	// Forward computes the scalar loss
	Forward(pred, target *tensor.Tensor) float64

	// Backward computes dL/dpred
	Backward(pred, target *tensor.Tensor) *tensor.Tensor
}

// L1Loss (Mean Absolute Error) loss.
type L1Loss struct{}

// Forward computes mean absolute error: (1/n) * sum(|pred - target|)
func (l L1Loss) Forward(pred, target *tensor.Tensor) float64 {
	mustMatch("L1Loss", pred, target)
	var sum float64
	for i, p := range pred.Data {
		sum += math.Abs(float64(p - target.Data[i]))
	}
	return sum / float64(len(pred.Data))
}

// Backward computes dL/dpred = (1/n) * sign(pred - target)
func (l L1Loss) Backward(pred, target *tensor.Tensor) *tensor.Tensor {
	mustMatch("L1Loss", pred, target)
	grad := tensor.New(pred.Shape...)
	factor := 1 / float32(len(pred.Data))
	for i, p := range pred.Data {
		diff := p - target.Data[i]
		if diff > 0 {
			grad.Data[i] = factor
		} else if diff < 0 {
			grad.Data[i] = -factor
		}
	}
	return grad
}

// MaskedL1 is L1(pred*mask, target*mask) averaged over every element,
// masked or not. A nil mask makes it plain L1.
type MaskedL1 struct {
	Mask *tensor.Tensor
}

func (m MaskedL1) Forward(pred, target *tensor.Tensor) float64 {
	if m.Mask == nil {
		return L1Loss{}.Forward(pred, target)
	}
	p, t := m.apply(pred, target)
	return L1Loss{}.Forward(p, t)
}

// Backward chains the L1 gradient through the mask multiplication.
func (m MaskedL1) Backward(pred, target *tensor.Tensor) *tensor.Tensor {
	if m.Mask == nil {
		return L1Loss{}.Backward(pred, target)
	}
	p, t := m.apply(pred, target)
	grad, err := tensor.MulMask(L1Loss{}.Backward(p, t), m.Mask)
	if err != nil {
		panic(fmt.Sprintf("MaskedL1: %v", err))
	}
	return grad
}

func (m MaskedL1) apply(pred, target *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	p, err := tensor.MulMask(pred, m.Mask)
	if err != nil {
		panic(fmt.Sprintf("MaskedL1: %v", err))
	}
	t, err := tensor.MulMask(target, m.Mask)
	if err != nil {
		panic(fmt.Sprintf("MaskedL1: %v", err))
	}
	return p, t
}

// Hinge is the discriminator hinge loss:
// mean(relu(1 - real)) + mean(relu(1 + fake)).
type Hinge struct{}

// Forward computes the loss from real and fake logit maps.
func (Hinge) Forward(real, fake *tensor.Tensor) float64 {
	var lr, lf float64
	for _, v := range real.Data {
		lr += math.Max(0, 1-float64(v))
	}
	for _, v := range fake.Data {
		lf += math.Max(0, 1+float64(v))
	}
	return lr/float64(len(real.Data)) + lf/float64(len(fake.Data))
}

// Backward returns the gradients with respect to the real and fake logits.
func (h Hinge) Backward(real, fake *tensor.Tensor) (gReal, gFake *tensor.Tensor) {
	return h.RealGrad(real), h.FakeGrad(fake)
}

// RealGrad is the gradient of the loss with respect to the real logits. It
// does not depend on the fake logits, so the two halves can be
// backpropagated separately.
func (Hinge) RealGrad(real *tensor.Tensor) *tensor.Tensor {
	g := tensor.New(real.Shape...)
	n := float32(len(real.Data))
	for i, v := range real.Data {
		if 1-v > 0 {
			g.Data[i] = -1 / n
		}
	}
	return g
}

// FakeGrad is the gradient of the loss with respect to the fake logits.
func (Hinge) FakeGrad(fake *tensor.Tensor) *tensor.Tensor {
	g := tensor.New(fake.Shape...)
	n := float32(len(fake.Data))
	for i, v := range fake.Data {
		if 1+v > 0 {
			g.Data[i] = 1 / n
		}
	}
	return g
}

// Adversarial is the generator's adversarial loss: -mean(D(fake)).
type Adversarial struct{}

func (Adversarial) Forward(fake *tensor.Tensor) float64 {
	return -tensor.Mean(fake)
}

func (Adversarial) Backward(fake *tensor.Tensor) *tensor.Tensor {
	return tensor.Full(-1/float32(len(fake.Data)), fake.Shape...)
}

func mustMatch(name string, pred, target *tensor.Tensor) {
	if !pred.SameShape(target) {
		panic(fmt.Sprintf("%s: prediction %v and target %v must have the same shape", name, pred.Shape, target.Shape))
	}
}
