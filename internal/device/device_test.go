package device

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/errs"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		wantErr error
	}{
		{"auto", nil},
		{"cpu", nil},
		{"", nil},
		{"CPU", nil},
		{"gpu", errs.ErrDevice},
		{"cuda", errs.ErrDevice},
		{"tpu", errs.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Resolve(tt.name)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Type() != CPU || !d.IsAvailable() {
				t.Errorf("Resolve(%q) = %v", tt.name, d.Type())
			}
		})
	}
}

func TestAvailableMemory(t *testing.T) {
	tests := []struct {
		name      string
		available MemoryFunc
		want      uint64
	}{
		{"reported", func() (uint64, error) { return 3 << 20, nil }, 3 << 20},
		{"read error", func() (uint64, error) { return 0, errors.New("no sysinfo") }, fallbackMemory},
		{"nothing reported", func() (uint64, error) { return 0, nil }, fallbackMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewCPUDeviceWithMemory(tt.available).AvailableMemory(); got != tt.want {
				t.Errorf("AvailableMemory() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHostMemory(t *testing.T) {
	n, err := HostMemory()
	if err != nil {
		t.Skipf("host memory unavailable: %v", err)
	}
	if n == 0 {
		t.Errorf("HostMemory() = 0")
	}
}
