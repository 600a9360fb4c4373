package report

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0ms"},
		{500 * time.Millisecond, "500ms"},
		{time.Second, "1s"},
		{1500 * time.Millisecond, "1s"},
		{time.Minute, "1m"},
		{time.Hour + time.Minute + time.Second, "1h 1m 1s"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1d 2h 3m 4s"},
		{-time.Second, "0ms"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAverageDifference(t *testing.T) {
	tests := []struct {
		in   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{3}, 0},
		{[]float64{3, 2, 0}, 1.5},
		{[]float64{1, 2}, -1},
	}
	for _, tt := range tests {
		if got := AverageDifference(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("AverageDifference(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEstimator(t *testing.T) {
	var e Estimator
	if _, ok := e.UntilLoss(0.1); ok {
		t.Errorf("estimate without history")
	}

	// only the last ten durations count
	for i := 0; i < 5; i++ {
		e.Observe(9, time.Hour)
	}
	for i := 0; i < 7; i++ {
		e.Observe(2, 0)
	}
	e.Observe(1, 4*time.Second)
	e.Observe(1, 6*time.Second)
	e.Observe(0.75, 10*time.Second)
	if got := e.MeanDuration(); got != 2*time.Second {
		t.Errorf("MeanDuration() = %v, want 2s", got)
	}
	if got := e.UntilIteration(7, 10); got != 6*time.Second {
		t.Errorf("UntilIteration = %v, want 6s", got)
	}
	if got := e.UntilIteration(12, 10); got != 0 {
		t.Errorf("UntilIteration past target = %v", got)
	}

	// losses 1, 1, 0.75 fall 0.125 per epoch; 0.5 to go is 4 epochs
	got, ok := e.UntilLoss(0.25)
	if !ok || got != 8*time.Second {
		t.Errorf("UntilLoss = %v, %v, want 8s", got, ok)
	}
	if got, ok := e.UntilLoss(0.9); !ok || got != 0 {
		t.Errorf("UntilLoss below threshold = %v, %v", got, ok)
	}

	e.Observe(0.8, time.Second)
	e.Observe(0.9, time.Second)
	if _, ok := e.UntilLoss(0.25); ok {
		t.Errorf("estimate for a rising loss")
	}
}

func TestHistoryWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")

	h := NewHistory(path, false)
	if err := h.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	records := []Record{
		{Iteration: 1, Loss: 0.75, Duration: 1500 * time.Millisecond},
		{Iteration: 2, Loss: 0.5, Duration: 2 * time.Second},
	}
	for _, r := range records {
		if err := h.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(h.Records()) != 2 {
		t.Errorf("Records() = %v", h.Records())
	}

	// appending keeps one header
	h = NewHistory(path, true)
	if err := h.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Record(Record{Iteration: 3, Loss: 0.25, Duration: time.Second}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	h.Close()

	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "iteration,loss"); n != 1 {
		t.Errorf("%d headers in %q", n, data)
	}

	got, err := ReadHistory(path)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	want := append(records, Record{Iteration: 3, Loss: 0.25, Duration: time.Second})
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecordRequiresOpen(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "h.csv"), false)
	if err := h.Record(Record{}); err == nil {
		t.Errorf("expected error before Open")
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close before Open: %v", err)
	}
}

func TestReadHistoryRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	os.WriteFile(path, []byte("iteration,loss,duration_seconds\nx,1,1\n"), 0644)
	if _, err := ReadHistory(path); err == nil {
		t.Errorf("expected parse error")
	}
}

func TestPlotLoss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	records := []Record{{1, 0.9, time.Second}, {2, 0.7, time.Second}, {3, 0.6, time.Second}}
	if err := PlotLoss(records, path); err != nil {
		t.Fatalf("PlotLoss: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Errorf("plot not written: %v", err)
	}
	if err := PlotLoss(nil, path); err == nil {
		t.Errorf("expected error for empty history")
	}
}
