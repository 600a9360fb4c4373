package inpainter

import (
	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/tensor"
)

// Inpaint fills the masked region of image. image is [3, H, W] and mask is
// [1, h, w] with values in [0, 1]; both are letterboxed to the canvas
// independently. The result has the size of image. Pixels where the mask is
// at most 0.5 come from image, resampled through the canvas and back.
func (in *Inpainter) Inpaint(image, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if image.Dims() != 3 || image.Shape[0] != 3 {
		return nil, errs.Shapef("inpaint expects an RGB [3, H, W] image, got %v", image.Shape)
	}
	if mask.Dims() != 3 || mask.Shape[0] != 1 {
		return nil, errs.Shapef("inpaint expects a [1, H, W] mask, got %v", mask.Shape)
	}

	resizedImage, transform, err := tensor.Fit(image, in.opts.Width, in.opts.Height)
	if err != nil {
		return nil, err
	}
	resizedMask, _, err := tensor.Fit(mask, in.opts.Width, in.opts.Height)
	if err != nil {
		return nil, err
	}
	base, masks := resizedImage.Unsqueeze(), resizedMask.Unsqueeze()

	in.generator.SetTraining(false)
	output := in.generator.Forward(tensor.ConcatChannels(base, masks))
	if !output.SameShape(base) {
		return nil, errs.Shapef("generator output %v, want %v", output.Shape, base.Shape)
	}
	output = tensor.Clamp(output, 0, 1)

	composite, err := tensor.Composite(base, output, masks)
	if err != nil {
		return nil, err
	}
	return transform.Invert(composite.Sample(0), image.Shape[1], image.Shape[2])
}
