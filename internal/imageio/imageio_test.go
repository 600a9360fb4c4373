package imageio

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/dekun/dekun/internal/tensor"
)

func TestLoadRGBAndL(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(2, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	path := filepath.Join(t.TempDir(), "in.png")
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}

	rgb, err := Load(path, RGB)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c, h, w := rgb.Dims3(); c != 3 || h != 2 || w != 3 {
		t.Fatalf("shape %v, want [3 2 3]", rgb.Shape)
	}
	// red pixel at (0, 0): channel planes of 6 values
	if rgb.Data[0] != 1 || rgb.Data[6] != 0 || rgb.Data[12] != 0 {
		t.Errorf("pixel (0,0) = %v %v %v, want 1 0 0", rgb.Data[0], rgb.Data[6], rgb.Data[12])
	}

	mask, err := Load(path, L)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mask.Shape[0] != 1 {
		t.Fatalf("mask shape %v", mask.Shape)
	}
	if mask.Data[5] != 1 || mask.Data[1] != 0 {
		t.Errorf("mask = %v", mask.Data)
	}
	// luminance of pure red
	if math.Abs(float64(mask.Data[0])-0.299) > 0.01 {
		t.Errorf("red luminance = %v, want about 0.299", mask.Data[0])
	}
}

func TestSaveRoundTrip(t *testing.T) {
	src := tensor.New(3, 4, 5)
	for i := range src.Data {
		src.Data[i] = float32(i%7) / 6
	}
	path := filepath.Join(t.TempDir(), "out.png")
	if err := Save(path, src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path, RGB)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.SameShape(src) {
		t.Fatalf("shape %v, want %v", got.Shape, src.Shape)
	}
	for i := range src.Data {
		if math.Abs(float64(got.Data[i]-src.Data[i])) > 1.0/255 {
			t.Fatalf("value %d = %v, want %v", i, got.Data[i], src.Data[i])
		}
	}

	w, h, err := Size(path)
	if err != nil || w != 5 || h != 4 {
		t.Errorf("Size = %d, %d, %v", w, h, err)
	}
}

func TestToImageClampsAndValidates(t *testing.T) {
	img, err := ToImage(tensor.FromData([]float32{-1, 2}, 1, 1, 2))
	if err != nil {
		t.Fatalf("ToImage: %v", err)
	}
	if img.NRGBAAt(0, 0).R != 0 || img.NRGBAAt(1, 0).R != 255 {
		t.Errorf("clamped pixels = %v %v", img.NRGBAAt(0, 0), img.NRGBAAt(1, 0))
	}

	if _, err := ToImage(tensor.New(2, 1, 1)); err == nil {
		t.Errorf("expected error for two channels")
	}
	if _, err := ToImage(tensor.New(1, 3, 1, 1)); err == nil {
		t.Errorf("expected error for a batch")
	}
	if err := Save(filepath.Join(t.TempDir(), "out.xyz"), tensor.New(3, 1, 1)); err == nil {
		t.Errorf("expected error for unknown format")
	}
}
