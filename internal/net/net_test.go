package net

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/tensor"
)

func tinyArch() Architecture {
	return Architecture{
		InChannels:   4,
		OutChannels:  3,
		MidChannels:  4,
		Down:         1,
		Residual:     1,
		GlobalRatio:  0.5,
		DiscChannels: 4,
		DiscLayers:   2,
	}
}

func uniform(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}
	return t
}

func TestArchitectureValidate(t *testing.T) {
	tests := []struct {
		name          string
		arch          Architecture
		width, height int
		wantErr       bool
	}{
		{"default 512", DefaultArchitecture(), 512, 512, false},
		{"default not divisible", DefaultArchitecture(), 500, 512, true},
		{"default too small for discriminator", DefaultArchitecture(), 16, 16, true},
		{"tiny 8x8", tinyArch(), 8, 8, false},
		{"tiny 16x8", tinyArch(), 16, 8, false},
		{"tiny odd", tinyArch(), 9, 8, true},
		{"zero canvas", tinyArch(), 0, 8, true},
		{"ratio above one", func() Architecture { a := tinyArch(); a.GlobalRatio = 1.5; return a }(), 8, 8, true},
		{"no discriminator layers", func() Architecture { a := tinyArch(); a.DiscLayers = 0; return a }(), 8, 8, true},
		{"no mid channels", func() Architecture { a := tinyArch(); a.MidChannels = 0; return a }(), 8, 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.arch.Validate(tt.width, tt.height)
			if tt.wantErr {
				if !errors.Is(err, errs.ErrConfiguration) {
					t.Errorf("err = %v, want configuration error", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLogitSize(t *testing.T) {
	a := tinyArch()
	if w, h, ok := a.LogitSize(8, 8); !ok || w != 1 || h != 1 {
		t.Errorf("LogitSize(8, 8) = %d, %d, %v", w, h, ok)
	}
	if w, h, ok := a.LogitSize(16, 8); !ok || w != 3 || h != 1 {
		t.Errorf("LogitSize(16, 8) = %d, %d, %v", w, h, ok)
	}
	if _, _, ok := a.LogitSize(4, 8); ok {
		t.Errorf("LogitSize(4, 8) should leave no patch")
	}
}

func TestGeneratorShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g, err := NewGenerator(rng, tinyArch())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	y := g.Forward(uniform(rng, 2, 4, 8, 16))
	want := []int{2, 3, 8, 16}
	for i := range want {
		if y.Shape[i] != want[i] {
			t.Fatalf("output shape %v, want %v", y.Shape, want)
		}
	}
	for i, v := range y.Data {
		if v < -1 || v > 1 {
			t.Fatalf("output[%d] = %v outside tanh range", i, v)
		}
	}
	if g.Architecture() != tinyArch() {
		t.Errorf("Architecture() = %+v", g.Architecture())
	}
}

func TestGeneratorParamNames(t *testing.T) {
	g, err := NewGenerator(rand.New(rand.NewSource(1)), tinyArch())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	state := g.StateDict()
	for _, name := range []string{
		"input.0.weight",
		"input.1.running_mean",
		"encoder.0.0.weight",
		"bottleneck.0.ffc.l2l.weight",
		"bottleneck.0.ffc.g2g.conv.0.weight",
		"bottleneck.0.bn.running_var",
		"decoder.0.0.weight",
		"output.weight",
	} {
		if _, ok := state[name]; !ok {
			t.Errorf("state missing %q", name)
		}
	}
	if got := state["encoder.0.0.weight"].Shape; got[0] != 8 || got[1] != 4 {
		t.Errorf("encoder weight shape %v, want [8 4 4 4]", got)
	}
	if g.ParamCount() == 0 {
		t.Errorf("generator has no parameters")
	}
}

func TestDiscriminatorShape(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	d := NewDiscriminator(rng, tinyArch())

	tests := []struct {
		width, height int
	}{
		{8, 8},
		{16, 16},
		{16, 8},
	}
	for _, tt := range tests {
		y := d.Forward(uniform(rng, 2, 3, tt.height, tt.width))
		w, h, _ := tinyArch().LogitSize(tt.width, tt.height)
		if y.Shape[0] != 2 || y.Shape[1] != 1 || y.Shape[2] != h || y.Shape[3] != w {
			t.Errorf("%dx%d: logits %v, want [2 1 %d %d]", tt.width, tt.height, y.Shape, h, w)
		}
	}
}

// TestLoadStateTransplant tests that a network given another's state
// computes identical outputs.
func TestLoadStateTransplant(t *testing.T) {
	a, _ := NewGenerator(rand.New(rand.NewSource(1)), tinyArch())
	b, _ := NewGenerator(rand.New(rand.NewSource(2)), tinyArch())
	x := uniform(rand.New(rand.NewSource(3)), 1, 4, 8, 8)

	// move the running statistics away from their defaults
	a.SetTraining(true)
	a.Forward(x)
	a.SetTraining(false)
	b.SetTraining(false)

	if err := b.LoadState(a.StateDict()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !a.Forward(x).Equal(b.Forward(x)) {
		t.Errorf("transplanted generator differs")
	}
}

func TestLoadStateRejects(t *testing.T) {
	g, _ := NewGenerator(rand.New(rand.NewSource(1)), tinyArch())

	wide := tinyArch()
	wide.MidChannels = 8
	other, _ := NewGenerator(rand.New(rand.NewSource(1)), wide)

	missing := g.StateDict()
	delete(missing, "output.bias")

	extra := g.StateDict()
	extra["output.scale"] = tensor.New(1)

	tests := []struct {
		name  string
		state State
	}{
		{"missing tensor", missing},
		{"extra tensor", extra},
		{"wrong shapes", other.StateDict()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := g.StateDict()
			err := g.LoadState(tt.state)
			if !errors.Is(err, errs.ErrShapeMismatch) {
				t.Fatalf("err = %v, want shape mismatch", err)
			}
			after := g.StateDict()
			for name, v := range before {
				if !v.Equal(after[name]) {
					t.Fatalf("%s changed by a rejected load", name)
				}
			}
		})
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	d := NewDiscriminator(rand.New(rand.NewSource(5)), tinyArch())
	path := filepath.Join(t.TempDir(), "disc.state")

	if err := SaveState(path, d.StateDict()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	state, err := LoadStateFile(path)
	if err != nil {
		t.Fatalf("LoadStateFile: %v", err)
	}
	want := d.StateDict()
	if len(state) != len(want) {
		t.Fatalf("%d tensors, want %d", len(state), len(want))
	}
	for _, name := range want.Names() {
		if !state[name].Equal(want[name]) {
			t.Errorf("%s differs after round trip", name)
		}
	}

	if _, err := LoadStateFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestBackboneIsDeterministic(t *testing.T) {
	x := uniform(rand.New(rand.NewSource(4)), 1, 3, 8, 8)
	a, b := NewBackbone(), NewBackbone()
	ya, yb := a.Forward(x), b.Forward(x)
	if !ya.Equal(yb) {
		t.Errorf("default backbones differ")
	}
	if ya.Shape[1] != 32 || ya.Shape[2] != 4 || ya.Shape[3] != 4 {
		t.Errorf("features %v, want [1 32 4 4]", ya.Shape)
	}
}

func TestBackboneMinSize(t *testing.T) {
	b := NewBackbone()
	x := uniform(rand.New(rand.NewSource(4)), 1, 3, BackboneMinSize, BackboneMinSize)
	if y := b.Forward(x); y.Shape[2] != 1 || y.Shape[3] != 1 {
		t.Errorf("features %v at the minimum size, want 1x1", y.Shape)
	}
}

func TestLoadBackbone(t *testing.T) {
	src := NewBackbone()
	for _, p := range src.NamedParams() {
		for i := range p.Data {
			p.Data[i] *= 0.5
		}
	}
	path := filepath.Join(t.TempDir(), "backbone.state")
	if err := SaveState(path, src.StateDict()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	loaded, err := LoadBackbone(path)
	if err != nil {
		t.Fatalf("LoadBackbone: %v", err)
	}
	x := uniform(rand.New(rand.NewSource(4)), 1, 3, 8, 8)
	if !loaded.Forward(x).Equal(src.Forward(x)) {
		t.Errorf("loaded backbone differs from saved one")
	}

	bad := State{"0.weight": tensor.New(1)}
	badPath := filepath.Join(t.TempDir(), "bad.state")
	if err := SaveState(badPath, bad); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if _, err := LoadBackbone(badPath); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("err = %v, want shape mismatch", err)
	}
}

func TestPerceptualIdentical(t *testing.T) {
	p := Perceptual{Extractor: NewBackbone()}
	x := uniform(rand.New(rand.NewSource(6)), 2, 3, 8, 8)
	value, grad := p.Compute(x, x.Clone())
	if value != 0 {
		t.Errorf("loss of identical batches = %v, want 0", value)
	}
	if !grad.SameShape(x) {
		t.Errorf("grad shape %v, want %v", grad.Shape, x.Shape)
	}
}

// TestPerceptualGradient compares the analytic gradient with a finite
// difference along a random direction.
func TestPerceptualGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	backbone := NewBackbone()
	p := Perceptual{Extractor: backbone}
	pred := uniform(rng, 1, 3, 8, 8)
	target := uniform(rng, 1, 3, 8, 8)

	_, grad := p.Compute(pred, target)
	for _, param := range backbone.NamedParams() {
		for _, g := range param.Grad {
			if g != 0 {
				t.Fatalf("backbone %s accumulated gradients", param.Name)
			}
		}
	}

	dir := uniform(rng, 1, 3, 8, 8)
	var analytic float64
	for i := range dir.Data {
		analytic += float64(grad.Data[i]) * float64(dir.Data[i])
	}

	const eps = 1e-3
	shifted := func(sign float32) float64 {
		x := pred.Clone()
		for i := range x.Data {
			x.Data[i] += sign * eps * dir.Data[i]
		}
		v, _ := p.Compute(x, target)
		return v
	}
	numeric := (shifted(1) - shifted(-1)) / (2 * eps)

	if math.Abs(analytic-numeric) > 5e-3+0.1*math.Abs(numeric) {
		t.Errorf("directional derivative %v, finite difference %v", analytic, numeric)
	}
}

func TestNormalize(t *testing.T) {
	x := tensor.Full(0.5, 1, 3, 1, 1)
	y := Normalize(x)
	for c := 0; c < 3; c++ {
		want := (0.5 - imageNetMean[c]) / imageNetStd[c]
		if math.Abs(float64(y.Data[c]-want)) > 1e-6 {
			t.Errorf("channel %d = %v, want %v", c, y.Data[c], want)
		}
	}
}
