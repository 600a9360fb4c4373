package tensor

import (
	"math"

	"github.com/dekun/dekun/internal/errs"
)

// MaskThreshold is the value above which a mask pixel counts as masked.
const MaskThreshold = 0.5

// Transform records how a tensor was letterboxed into a canvas.
type Transform struct {
	OffsetX   int
	OffsetY   int
	NewWidth  int
	NewHeight int
}

// Resize resamples a [C, H, W] tensor to [C, height, width] with bilinear
// interpolation using half-pixel centers (align_corners=false).
func Resize(t *Tensor, height, width int) *Tensor {
	c, inH, inW := t.Dims3()
	out := New(c, height, width)
	if inH == height && inW == width {
		copy(out.Data, t.Data)
		return out
	}

	ys := sampleAxis(inH, height)
	xs := sampleAxis(inW, width)
	for ch := 0; ch < c; ch++ {
		src := t.Data[ch*inH*inW : (ch+1)*inH*inW]
		dst := out.Data[ch*height*width : (ch+1)*height*width]
		for y, sy := range ys {
			row0 := src[sy.lo*inW : (sy.lo+1)*inW]
			row1 := src[sy.hi*inW : (sy.hi+1)*inW]
			for x, sx := range xs {
				top := row0[sx.lo]*(1-sx.frac) + row0[sx.hi]*sx.frac
				bottom := row1[sx.lo]*(1-sx.frac) + row1[sx.hi]*sx.frac
				dst[y*width+x] = top*(1-sy.frac) + bottom*sy.frac
			}
		}
	}
	return out
}

type sample struct {
	lo, hi int
	frac   float32
}

func sampleAxis(in, out int) []sample {
	scale := float64(in) / float64(out)
	samples := make([]sample, out)
	for i := range samples {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		lo := int(src)
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo + 1
		if hi > in-1 {
			hi = in - 1
		}
		samples[i] = sample{lo: lo, hi: hi, frac: float32(src - float64(lo))}
	}
	return samples
}

// Fit letterboxes a [C, H, W] tensor into a width x height canvas: the content
// is resized preserving aspect ratio, centered, and the borders are zero.
func Fit(t *Tensor, width, height int) (*Tensor, Transform, error) {
	if t.Dims() != 3 {
		return nil, Transform{}, errs.Shapef("fit expects [C, H, W], got %v", t.Shape)
	}
	if width < 1 || height < 1 {
		return nil, Transform{}, errs.Configf("invalid canvas %dx%d", width, height)
	}
	c, h, w := t.Dims3()
	if h < 1 || w < 1 {
		return nil, Transform{}, errs.Shapef("cannot fit empty tensor %v", t.Shape)
	}

	containerAspect := float64(width) / float64(height)
	tensorAspect := float64(w) / float64(h)

	var tr Transform
	if tensorAspect > containerAspect {
		tr.NewWidth = width
		tr.NewHeight = int(math.RoundToEven(float64(width) / tensorAspect))
	} else {
		tr.NewWidth = int(math.RoundToEven(float64(height) * tensorAspect))
		tr.NewHeight = height
	}
	tr.NewWidth = max(tr.NewWidth, 1)
	tr.NewHeight = max(tr.NewHeight, 1)
	tr.OffsetX = (width - tr.NewWidth) / 2
	tr.OffsetY = (height - tr.NewHeight) / 2

	resized := Resize(t, tr.NewHeight, tr.NewWidth)
	out := New(c, height, width)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < tr.NewHeight; y++ {
			src := resized.Data[(ch*tr.NewHeight+y)*tr.NewWidth : (ch*tr.NewHeight+y+1)*tr.NewWidth]
			dst := out.Data[(ch*height+tr.OffsetY+y)*width+tr.OffsetX:]
			copy(dst[:tr.NewWidth], src)
		}
	}
	return out, tr, nil
}

// Invert crops the placed region out of a letterboxed [C, H, W] tensor and
// resizes it back to height x width.
func (tr Transform) Invert(t *Tensor, height, width int) (*Tensor, error) {
	if t.Dims() != 3 {
		return nil, errs.Shapef("invert expects [C, H, W], got %v", t.Shape)
	}
	c, h, w := t.Dims3()
	if tr.OffsetX < 0 || tr.OffsetY < 0 || tr.NewWidth < 1 || tr.NewHeight < 1 ||
		tr.OffsetX+tr.NewWidth > w || tr.OffsetY+tr.NewHeight > h {
		return nil, errs.Shapef("transform %+v does not fit tensor %v", tr, t.Shape)
	}
	crop := New(c, tr.NewHeight, tr.NewWidth)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < tr.NewHeight; y++ {
			src := t.Data[(ch*h+tr.OffsetY+y)*w+tr.OffsetX:]
			copy(crop.Data[(ch*tr.NewHeight+y)*tr.NewWidth:], src[:tr.NewWidth])
		}
	}
	return Resize(crop, height, width), nil
}

// Binarize returns a copy of mask with values above MaskThreshold set to 1 and
// the rest to 0.
func Binarize(mask *Tensor) *Tensor {
	out := New(mask.Shape...)
	for i, v := range mask.Data {
		if v > MaskThreshold {
			out.Data[i] = 1
		}
	}
	return out
}

// Composite selects fill where mask is above MaskThreshold and base elsewhere.
// base and fill are [C, H, W] or [N, C, H, W]; mask has the same rank with a
// single channel that applies to every channel of base.
func Composite(base, fill, mask *Tensor) (*Tensor, error) {
	if err := checkMasked(base, fill, mask); err != nil {
		return nil, err
	}
	out := base.Clone()
	forEachMasked(out, mask, func(i int, m float32) {
		if m > MaskThreshold {
			out.Data[i] = fill.Data[i]
		}
	})
	return out, nil
}

// Blend returns fill*mask + base*(1-mask), the soft composite used in training.
func Blend(base, fill, mask *Tensor) (*Tensor, error) {
	if err := checkMasked(base, fill, mask); err != nil {
		return nil, err
	}
	out := New(base.Shape...)
	forEachMasked(out, mask, func(i int, m float32) {
		out.Data[i] = fill.Data[i]*m + base.Data[i]*(1-m)
	})
	return out, nil
}

// Paint returns a copy of a [3, H, W] image whose masked pixels are replaced
// by color.
func Paint(image, mask *Tensor, color [3]float32) (*Tensor, error) {
	if image.Dims() != 3 || image.Shape[0] != 3 {
		return nil, errs.Shapef("paint expects an RGB [3, H, W] image, got %v", image.Shape)
	}
	if mask.Dims() != 3 || mask.Shape[0] != 1 || mask.Shape[1] != image.Shape[1] || mask.Shape[2] != image.Shape[2] {
		return nil, errs.Shapef("paint mask %v does not match image %v", mask.Shape, image.Shape)
	}
	out := image.Clone()
	plane := image.Shape[1] * image.Shape[2]
	for i, m := range mask.Data {
		if m > MaskThreshold {
			for ch := 0; ch < 3; ch++ {
				out.Data[ch*plane+i] = color[ch]
			}
		}
	}
	return out, nil
}

func checkMasked(base, fill, mask *Tensor) error {
	if !base.SameShape(fill) {
		return errs.Shapef("composite of %v and %v", base.Shape, fill.Shape)
	}
	if base.Dims() != mask.Dims() || base.Dims() < 3 {
		return errs.Shapef("mask %v does not match %v", mask.Shape, base.Shape)
	}
	d := base.Dims()
	if mask.Shape[d-3] != 1 || mask.Shape[d-2] != base.Shape[d-2] || mask.Shape[d-1] != base.Shape[d-1] {
		return errs.Shapef("mask %v does not match %v", mask.Shape, base.Shape)
	}
	if d == 4 && mask.Shape[0] != base.Shape[0] {
		return errs.Shapef("mask batch %v does not match %v", mask.Shape, base.Shape)
	}
	return nil
}

// forEachMasked calls fn for every element index of t together with the mask
// value covering it.
func forEachMasked(t, mask *Tensor, fn func(i int, m float32)) {
	d := t.Dims()
	c, plane := t.Shape[d-3], t.Shape[d-2]*t.Shape[d-1]
	batches := 1
	if d == 4 {
		batches = t.Shape[0]
	}
	for b := 0; b < batches; b++ {
		m := mask.Data[b*plane : (b+1)*plane]
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * plane
			for p, v := range m {
				fn(base+p, v)
			}
		}
	}
}

// MulMask returns t multiplied element-wise by mask, broadcasting the mask's
// single channel over every channel of t.
func MulMask(t, mask *Tensor) (*Tensor, error) {
	if err := checkMasked(t, t, mask); err != nil {
		return nil, err
	}
	out := New(t.Shape...)
	forEachMasked(out, mask, func(i int, m float32) {
		out.Data[i] = t.Data[i] * m
	})
	return out, nil
}
