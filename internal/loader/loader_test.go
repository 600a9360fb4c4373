package loader

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/dataset"
	"github.com/dekun/dekun/internal/device"
	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/imageio"
	"github.com/dekun/dekun/internal/tensor"
)

type fakeDevice struct{ memory uint64 }

func (d fakeDevice) Type() device.DeviceType { return device.CPU }
func (d fakeDevice) IsAvailable() bool       { return true }
func (d fakeDevice) AvailableMemory() uint64 { return d.memory }

// writeDataset creates n complete entries of varying aspect ratio plus one
// entry without a mask.
func writeDataset(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		w, h := 6+i, 4+2*i
		img := tensor.New(3, h, w)
		for j := range img.Data {
			img.Data[j] = float32((j*7+i*13)%255) / 255
		}
		mask := tensor.New(1, h, w)
		for j := 0; j < len(mask.Data)/2; j++ {
			mask.Data[j] = 1
		}
		name := "e" + strconv.Itoa(i)
		if err := imageio.Save(filepath.Join(dir, name+"-image.png"), img); err != nil {
			t.Fatal(err)
		}
		if err := imageio.Save(filepath.Join(dir, name+"-mask.png"), mask); err != nil {
			t.Fatal(err)
		}
	}
	if err := imageio.Save(filepath.Join(dir, "orphan-image.png"), tensor.New(3, 2, 2)); err != nil {
		t.Fatal(err)
	}
	ds, err := dataset.Open(dir, dataset.SortName)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func collect(t *testing.T, l *Loader) []Sample {
	t.Helper()
	var out []Sample
	err := l.Loop(func(index int, s Sample) error {
		if index != len(out) {
			t.Errorf("visited index %d at position %d", index, len(out))
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	return out
}

// sampleBytes is the per-sample budget of an 8x8 canvas.
const sampleBytes = 8 * 8 * bytesPerPixel * headroom

// TestTiersAgree tests that every tier serves identical samples in identical
// order, twice.
func TestTiersAgree(t *testing.T) {
	ds := writeDataset(t, 5)
	var reference []Sample
	for _, tier := range []Tier{None, Memory, Disk} {
		t.Run(string(tier), func(t *testing.T) {
			l, err := New(ds, Options{
				Width: 8, Height: 8, Tier: tier,
				Device:  fakeDevice{memory: 2 * sampleBytes},
				TempDir: t.TempDir(),
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer l.Close()

			if l.Len() != 5 {
				t.Fatalf("Len() = %d, want 5 usable entries", l.Len())
			}
			for pass := 0; pass < 2; pass++ {
				samples := collect(t, l)
				if len(samples) != 5 {
					t.Fatalf("pass %d visited %d samples", pass, len(samples))
				}
				if reference == nil {
					reference = samples
					continue
				}
				for i, s := range samples {
					if !s.Image.Equal(reference[i].Image) || !s.Mask.Equal(reference[i].Mask) ||
						!s.Combined.Equal(reference[i].Combined) {
						t.Fatalf("pass %d sample %d differs from the none tier", pass, i)
					}
				}
			}
		})
	}
}

func TestDiskChunks(t *testing.T) {
	ds := writeDataset(t, 5)
	parent := t.TempDir()
	var progress []LoadProgress
	l, err := New(ds, Options{
		Width: 8, Height: 8, Tier: Disk,
		Device:   fakeDevice{memory: 2 * sampleBytes},
		TempDir:  parent,
		Progress: func(p LoadProgress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if l.ChunkSize() != 2 {
		t.Errorf("ChunkSize() = %d, want 2", l.ChunkSize())
	}
	chunks := l.Chunks()
	wantCounts := []int{2, 2, 1}
	if len(chunks) != len(wantCounts) {
		t.Fatalf("%d chunks, want %d", len(chunks), len(wantCounts))
	}
	for i, c := range chunks {
		if c.Index != i || c.Count != wantCounts[i] || c.Bytes <= 0 {
			t.Errorf("chunk %d = %+v", i, c)
		}
		if _, err := os.Stat(c.Path); err != nil {
			t.Errorf("chunk file: %v", err)
		}
	}
	if len(progress) != 5 || progress[4] != (LoadProgress{Loaded: 5, Total: 5}) {
		t.Errorf("progress = %v", progress)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	left, _ := os.ReadDir(parent)
	if len(left) != 0 {
		t.Errorf("disk cache left behind: %v", left)
	}
	if err := l.Loop(func(int, Sample) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Loop after Close err = %v", err)
	}
}

// TestDiskChunksFollowHostMemory tests that the host device's memory
// reading sizes the disk chunks.
func TestDiskChunksFollowHostMemory(t *testing.T) {
	ds := writeDataset(t, 5)
	tests := []struct {
		memory uint64
		want   int
	}{
		{3 * sampleBytes, 3},
		{sampleBytes / 2, 1},
		{100 * sampleBytes, 5},
	}
	for _, tt := range tests {
		reported := tt.memory
		dev := device.NewCPUDeviceWithMemory(func() (uint64, error) { return reported, nil })
		l, err := New(ds, Options{Width: 8, Height: 8, Tier: Disk, Device: dev, TempDir: t.TempDir()})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if l.ChunkSize() != tt.want || l.ChunkSize() != ChunkSize(reported, 8, 8, 5) {
			t.Errorf("memory %d: ChunkSize() = %d, want %d", reported, l.ChunkSize(), tt.want)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestCombinedUsesPalette(t *testing.T) {
	ds := writeDataset(t, 3)
	palette := []Color{{1, 0, 0}, {0, 1, 0}}
	l, err := New(ds, Options{Width: 8, Height: 8, Tier: Memory, Palette: palette})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	err = l.Loop(func(index int, s Sample) error {
		want := palette[index%len(palette)]
		plane := 64
		for p, m := range s.Mask.Data {
			for ch := 0; ch < 3; ch++ {
				got := s.Combined.Data[ch*plane+p]
				if m > tensor.MaskThreshold && got != want[ch] {
					t.Fatalf("sample %d pixel %d channel %d = %v, want %v", index, p, ch, got, want[ch])
				}
				if m <= tensor.MaskThreshold && got != s.Image.Data[ch*plane+p] {
					t.Fatalf("sample %d unmasked pixel %d changed", index, p)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
}

func TestVisitorErrorStopsLoop(t *testing.T) {
	ds := writeDataset(t, 3)
	for _, tier := range []Tier{None, Memory, Disk} {
		l, err := New(ds, Options{Width: 8, Height: 8, Tier: tier, TempDir: t.TempDir()})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		stop := errors.New("stop")
		visits := 0
		err = l.Loop(func(int, Sample) error {
			visits++
			return stop
		})
		if !errors.Is(err, stop) || visits != 1 {
			t.Errorf("%s: err = %v after %d visits", tier, err, visits)
		}
		l.Close()
	}
}

func TestNoUsableEntries(t *testing.T) {
	dir := t.TempDir()
	if err := imageio.Save(filepath.Join(dir, "lonely-image.png"), tensor.New(3, 2, 2)); err != nil {
		t.Fatal(err)
	}
	ds, err := dataset.Open(dir, dataset.SortName)
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(ds, Options{Width: 8, Height: 8, Tier: Memory})
	if !errors.Is(err, errs.ErrDatasetIntegrity) {
		t.Errorf("err = %v, want dataset integrity error", err)
	}
}

func TestNewRejectsOptions(t *testing.T) {
	ds := writeDataset(t, 1)
	if _, err := New(ds, Options{Width: 8, Height: 8, Tier: "cloud"}); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("unknown tier err = %v", err)
	}
	if _, err := New(ds, Options{Width: 0, Height: 8, Tier: None}); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("empty canvas err = %v", err)
	}
}

func TestWithClosesOnPanic(t *testing.T) {
	ds := writeDataset(t, 2)
	parent := t.TempDir()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("panic swallowed")
			}
		}()
		With(ds, Options{Width: 8, Height: 8, Tier: Disk, TempDir: parent}, func(l *Loader) error {
			return l.Loop(func(int, Sample) error { panic("visitor failed") })
		})
	}()

	left, _ := os.ReadDir(parent)
	if len(left) != 0 {
		t.Errorf("disk cache left behind after panic: %v", left)
	}
}

func TestWithReturnsVisitorError(t *testing.T) {
	ds := writeDataset(t, 2)
	parent := t.TempDir()
	boom := errors.New("boom")
	err := With(ds, Options{Width: 8, Height: 8, Tier: Disk, TempDir: parent}, func(l *Loader) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	left, _ := os.ReadDir(parent)
	if len(left) != 0 {
		t.Errorf("disk cache left behind: %v", left)
	}
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		name    string
		memory  uint64
		entries int
		want    int
	}{
		{"no memory", 0, 10, 1},
		{"three samples", 3*sampleBytes + 5, 10, 3},
		{"more than entries", 100 * sampleBytes, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkSize(tt.memory, 8, 8, tt.entries); got != tt.want {
				t.Errorf("ChunkSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParsePalette(t *testing.T) {
	palette, err := ParsePalette([]string{"#ffffff", "#000000", "#ff0000"})
	if err != nil {
		t.Fatalf("ParsePalette: %v", err)
	}
	if palette[0] != (Color{1, 1, 1}) || palette[1] != (Color{}) || palette[2] != (Color{1, 0, 0}) {
		t.Errorf("palette = %v", palette)
	}
	if got := FormatPalette(palette); got[2] != "#ff0000" {
		t.Errorf("FormatPalette = %v", got)
	}

	if _, err := ParsePalette(nil); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("empty palette err = %v", err)
	}
	if _, err := ParsePalette([]string{"white"}); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("bad color err = %v", err)
	}
}
