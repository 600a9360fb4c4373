// Package imageio converts image files to channel-first tensors and back.
package imageio

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/tensor"
)

// Mode selects the channels read from an image.
type Mode int

const (
	RGB Mode = iota // three channels
	L               // one luminance channel, used for masks
)

// Channels returns the channel count of the mode.
func (m Mode) Channels() int {
	if m == L {
		return 1
	}
	return 3
}

// Load decodes the image at path, honouring its EXIF orientation, and returns
// a [C, H, W] tensor with values in [0, 1].
func Load(path string, mode Mode) (*tensor.Tensor, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	return FromImage(img, mode), nil
}

// FromImage converts img to a [C, H, W] tensor with values in [0, 1].
func FromImage(img image.Image, mode Mode) *tensor.Tensor {
	var src *image.NRGBA
	if mode == L {
		src = imaging.Grayscale(img)
	} else {
		src = imaging.Clone(img)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	c := mode.Channels()
	t := tensor.New(c, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				t.Data[ch*plane+y*w+x] = float32(row[x*4+ch]) / 255
			}
		}
	}
	return t
}

// ToImage converts a [C, H, W] tensor with one or three channels to an
// image. Values are clamped to [0, 1].
func ToImage(t *tensor.Tensor) (*image.NRGBA, error) {
	if t.Dims() != 3 {
		return nil, errors.Errorf("image tensor must be [C, H, W], got %v", t.Shape)
	}
	c, h, w := t.Dims3()
	if c != 1 && c != 3 {
		return nil, errors.Errorf("image tensor must have 1 or 3 channels, got %d", c)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			r := toByte(t.Data[i])
			g, b := r, r
			if c == 3 {
				g, b = toByte(t.Data[plane+i]), toByte(t.Data[2*plane+i])
			}
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	v = float32(math.Max(0, math.Min(1, float64(v))))
	return uint8(math.Round(float64(v) * 255))
}

// Save encodes t to path. The format follows the file extension.
func Save(path string, t *tensor.Tensor) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "failed to save image %s", path)
	}
	return nil
}

// Size returns the width and height of the image at path without converting
// it.
func Size(path string) (width, height int, err error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to open image %s", path)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}
