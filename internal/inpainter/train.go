package inpainter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/loader"
	"github.com/dekun/dekun/internal/loss"
	"github.com/dekun/dekun/internal/net"
	"github.com/dekun/dekun/internal/tensor"
)

// Source serves training samples once per Loop call.
type Source interface {
	Loop(visit func(index int, s loader.Sample) error) error
	Len() int
}

// Batch is a stack of samples: Images and Combined are [N, 3, H, W], Masks
// is [N, 1, H, W].
type Batch struct {
	Images   *tensor.Tensor
	Masks    *tensor.Tensor
	Combined *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return b.Images.Shape[0] }

// NewBatch stacks samples into a batch.
func NewBatch(samples []loader.Sample) (Batch, error) {
	images := make([]*tensor.Tensor, len(samples))
	masks := make([]*tensor.Tensor, len(samples))
	combined := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		images[i], masks[i], combined[i] = s.Image, s.Mask, s.Combined
	}
	var b Batch
	var err error
	if b.Images, err = tensor.Stack(images); err != nil {
		return Batch{}, errors.Wrap(err, "images")
	}
	if b.Masks, err = tensor.Stack(masks); err != nil {
		return Batch{}, errors.Wrap(err, "masks")
	}
	if b.Combined, err = tensor.Stack(combined); err != nil {
		return Batch{}, errors.Wrap(err, "combined")
	}
	return b, nil
}

// TrainProgress is reported after every epoch.
type TrainProgress struct {
	Iteration int           // completed epochs, including earlier sessions
	Loss      float64       // mean generator loss of the epoch
	Duration  time.Duration // wall time of the epoch
}

// StepLosses are the losses of one batch. The generator terms are reported
// before weighting; Total is the weighted generator loss.
type StepLosses struct {
	Discriminator  float64
	Reconstruction float64
	Adversarial    float64
	Perceptual     float64
	Total          float64
}

// Train runs epochs over src until callback returns false. A nil callback
// stops after one epoch. Cancelling ctx stops training at the next epoch
// boundary or while waiting for a batch.
func (in *Inpainter) Train(ctx context.Context, src Source, callback func(TrainProgress) bool) error {
	logger := in.logger.With("session", uuid.New().String())
	logger.Info("training started",
		"width", in.opts.Width, "height", in.opts.Height, "samples", src.Len(),
		"batch_size", in.opts.BatchSize, "iteration", in.iterations)

	in.generator.SetTraining(true)
	in.discriminator.SetTraining(true)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		var total float64
		batches := 0
		err := in.epoch(ctx, src, func(b Batch) error {
			losses, err := in.Step(b)
			if err != nil {
				return err
			}
			total += losses.Total
			batches++
			logger.Debug("batch trained", "batch", batches, "size", b.Size(),
				"discriminator", losses.Discriminator, "reconstruction", losses.Reconstruction, "adversarial", losses.Adversarial,
				"perceptual", losses.Perceptual, "total", losses.Total)
			return nil
		})
		if err != nil {
			return err
		}
		if batches == 0 {
			return errs.Integrityf("epoch produced no batches")
		}

		in.loss = total / float64(batches)
		in.iterations++
		progress := TrainProgress{Iteration: in.iterations, Loss: in.loss, Duration: time.Since(start)}
		logger.Info("epoch finished", "iteration", progress.Iteration, "loss", progress.Loss,
			"batches", batches, "duration", progress.Duration.Round(time.Millisecond))

		if callback == nil || !callback(progress) {
			logger.Info("training stopped", "iteration", in.iterations, "loss", in.loss)
			return nil
		}
	}
}

// epoch feeds the batches of one pass over src to step. The batches are
// assembled by a prefetch goroutine that is always drained before epoch
// returns.
func (in *Inpainter) epoch(ctx context.Context, src Source, step func(Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	batches := make(chan Batch, in.opts.Prefetch)
	done := make(chan error, 1)
	go func() {
		defer close(batches)
		done <- prefetch(ctx, src, in.opts.BatchSize, batches)
	}()
	defer func() {
		cancel()
		for range batches {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batches:
			if !ok {
				return <-done
			}
			if err := step(b); err != nil {
				return err
			}
		}
	}
}

// prefetch runs one Loop over src, sending batches of size samples. The last
// batch may be smaller.
func prefetch(ctx context.Context, src Source, size int, out chan<- Batch) error {
	var pending []loader.Sample
	send := func() error {
		b, err := NewBatch(pending)
		if err != nil {
			return err
		}
		pending = nil
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := src.Loop(func(_ int, s loader.Sample) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending = append(pending, s)
		if len(pending) == size {
			return send()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return send()
	}
	return nil
}

func (in *Inpainter) checkBatch(b Batch) error {
	if b.Images == nil || b.Masks == nil || b.Combined == nil {
		return errs.Shapef("incomplete batch")
	}
	if b.Images.Dims() != 4 {
		return errs.Shapef("batch images %v, want [N, 3, H, W]", b.Images.Shape)
	}
	want := []int{b.Size(), 3, in.opts.Height, in.opts.Width}
	for _, t := range []*tensor.Tensor{b.Images, b.Combined} {
		if !sameShape(t.Shape, want) {
			return errs.Shapef("batch tensor %v, want %v", t.Shape, want)
		}
	}
	want[1] = 1
	if !sameShape(b.Masks.Shape, want) {
		return errs.Shapef("batch mask %v, want %v", b.Masks.Shape, want)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Pass is the generator's forward pass over one batch. Both training phases
// of the batch share it.
type Pass struct {
	Batch
	Prediction *tensor.Tensor // generator output
	Composite  *tensor.Tensor // Prediction inside the mask, Combined outside
}

// Generate runs the generator on a batch in its current mode.
func (in *Inpainter) Generate(b Batch) (*Pass, error) {
	if err := in.checkBatch(b); err != nil {
		return nil, err
	}
	prediction := in.generator.Forward(tensor.ConcatChannels(b.Combined, b.Masks))
	if !prediction.SameShape(b.Images) {
		return nil, errs.Shapef("generator output %v, want %v", prediction.Shape, b.Images.Shape)
	}
	composite, err := tensor.Blend(b.Combined, prediction, b.Masks)
	if err != nil {
		return nil, err
	}
	return &Pass{Batch: b, Prediction: prediction, Composite: composite}, nil
}

// Step trains both networks on one batch: DiscriminatorStep, then
// GeneratorStep.
func (in *Inpainter) Step(b Batch) (StepLosses, error) {
	p, err := in.Generate(b)
	if err != nil {
		return StepLosses{}, err
	}
	d := in.DiscriminatorStep(p)
	losses, err := in.GeneratorStep(p)
	losses.Discriminator = d
	return losses, err
}

// DiscriminatorStep trains the discriminator with the hinge loss on the real
// images and the pass's composite, and returns that loss. The composite is a
// constant here, so no gradient reaches the generator.
func (in *Inpainter) DiscriminatorStep(p *Pass) float64 {
	in.discriminator.ClearGradients()

	hinge := loss.Hinge{}
	realLogits := in.discriminator.Forward(p.Images)
	in.discriminator.Backward(hinge.RealGrad(realLogits))
	fakeLogits := in.discriminator.Forward(p.Composite)
	in.discriminator.Backward(hinge.FakeGrad(fakeLogits))

	in.discriminatorOpt.Step(in.discriminator.NamedParams())
	return hinge.Forward(realLogits, fakeLogits)
}

// GeneratorStep trains the generator on the pass against the current
// discriminator. It must directly follow the DiscriminatorStep of a pass
// from Generate, with no other generator forward in between. Gradients the
// discriminator accumulates here are cleared by the next DiscriminatorStep.
func (in *Inpainter) GeneratorStep(p *Pass) (StepLosses, error) {
	in.generator.ClearGradients()

	w := in.opts.Weights
	var losses StepLosses
	gPrediction := tensor.New(p.Prediction.Shape...)

	// adversarial: -mean(D(composite)); d composite / d prediction = mask
	adv := loss.Adversarial{}
	fake := in.discriminator.Forward(p.Composite)
	losses.Adversarial = adv.Forward(fake)
	gComposite := in.discriminator.Backward(adv.Backward(fake))
	if err := accumulateMasked(gPrediction, gComposite, p.Masks, w.Adversarial); err != nil {
		return StepLosses{}, err
	}

	// reconstruction: L1(prediction * mask, image * mask)
	rec := loss.MaskedL1{Mask: p.Masks}
	losses.Reconstruction = rec.Forward(p.Prediction, p.Images)
	axpy(gPrediction, rec.Backward(p.Prediction, p.Images), w.Reconstruction)

	// perceptual: features of the prediction pasted into the real image
	if w.Perceptual > 0 && in.extractor != nil {
		completed, err := tensor.Blend(p.Images, p.Prediction, p.Masks)
		if err != nil {
			return StepLosses{}, err
		}
		var gCompleted *tensor.Tensor
		losses.Perceptual, gCompleted = net.Perceptual{Extractor: in.extractor}.Compute(completed, p.Images)
		if err := accumulateMasked(gPrediction, gCompleted, p.Masks, w.Perceptual); err != nil {
			return StepLosses{}, err
		}
	}

	losses.Total = losses.Reconstruction*w.Reconstruction +
		losses.Adversarial*w.Adversarial +
		losses.Perceptual*w.Perceptual

	in.generator.Backward(gPrediction)
	in.generatorOpt.Step(in.generator.NamedParams())
	return losses, nil
}

// axpy adds scale * x to dst.
func axpy(dst, x *tensor.Tensor, scale float64) {
	s := float32(scale)
	for i, v := range x.Data {
		dst.Data[i] += s * v
	}
}

// accumulateMasked adds scale * grad * mask to dst.
func accumulateMasked(dst, grad, mask *tensor.Tensor, scale float64) error {
	masked, err := tensor.MulMask(grad, mask)
	if err != nil {
		return err
	}
	axpy(dst, masked, scale)
	return nil
}
