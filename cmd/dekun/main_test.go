package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/dekun/dekun/internal/imageio"
	"github.com/dekun/dekun/internal/loader"
	"github.com/dekun/dekun/internal/report"
	"github.com/dekun/dekun/internal/tensor"
)

const tinyConfig = `{
	"width": 8,
	"height": 8,
	"batch_size": 2,
	"log_level": "error",
	"architecture": {"in_channels": 4, "out_channels": 3, "mid_channels": 4,
		"down": 1, "residual": 1, "global_ratio": 0.5, "disc_channels": 4, "disc_layers": 2}
}`

// fixture writes a tiny configuration and a dataset of three entries.
func fixture(t *testing.T) (configPath, datasetDir string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "dekun.json")
	if err := os.WriteFile(configPath, []byte(tinyConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	datasetDir = filepath.Join(dir, "dataset")
	if err := os.Mkdir(datasetDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		img := tensor.New(3, 6, 9)
		for j := range img.Data {
			img.Data[j] = float32((j*3+i*17)%255) / 255
		}
		mask := tensor.New(1, 6, 9)
		for j := 10; j < 30; j++ {
			mask.Data[j] = 1
		}
		name := "entry" + strconv.Itoa(i)
		if err := imageio.Save(filepath.Join(datasetDir, name+"-image.png"), img); err != nil {
			t.Fatal(err)
		}
		if err := imageio.Save(filepath.Join(datasetDir, name+"-mask.png"), mask); err != nil {
			t.Fatal(err)
		}
	}
	return configPath, datasetDir
}

func runCapture(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRunUsage(t *testing.T) {
	if code, _, stderr := runCapture(); code != 2 || !strings.Contains(stderr, "usage") {
		t.Errorf("no command: code %d, stderr %q", code, stderr)
	}
	if code, _, stderr := runCapture("fly"); code != 2 || !strings.Contains(stderr, "unknown command") {
		t.Errorf("unknown command: code %d, stderr %q", code, stderr)
	}
}

func TestInitAndInfo(t *testing.T) {
	configPath, _ := fixture(t)
	model := filepath.Join(t.TempDir(), "model.ckpt")

	if code, _, stderr := runCapture("init", "-config", configPath, model); code != 0 {
		t.Fatalf("init: code %d, stderr %q", code, stderr)
	}
	code, _, stderr := runCapture("init", "-config", configPath, model)
	if code != 1 || !strings.Contains(stderr, "already exists") {
		t.Errorf("second init: code %d, stderr %q", code, stderr)
	}

	code, stdout, stderr := runCapture("info", model)
	if code != 0 {
		t.Fatalf("info: code %d, stderr %q", code, stderr)
	}
	for _, want := range []string{"Width: 8", "Height: 8", "Loss: 1", "Iterations: 0"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("info output %q missing %q", stdout, want)
		}
	}
}

func TestInitRejectsCanvas(t *testing.T) {
	configPath, _ := fixture(t)
	model := filepath.Join(t.TempDir(), "model.ckpt")
	if code, _, _ := runCapture("init", "-config", configPath, "-width", "9", model); code != 1 {
		t.Errorf("code %d, want 1", code)
	}
	if _, err := os.Stat(model); err == nil {
		t.Errorf("model written for an invalid canvas")
	}
}

func TestTrainAndInpaint(t *testing.T) {
	configPath, datasetDir := fixture(t)
	dir := t.TempDir()
	model := filepath.Join(dir, "model.ckpt")
	history := filepath.Join(dir, "history.csv")
	plot := filepath.Join(dir, "loss.png")

	if code, _, stderr := runCapture("init", "-config", configPath, model); code != 0 {
		t.Fatalf("init: code %d, stderr %q", code, stderr)
	}
	code, stdout, stderr := runCapture("train", "-config", configPath, "-dataset", datasetDir,
		"-iterations", "2", "-cache", "memory", "-history", history, "-plot", plot, model)
	if code != 0 {
		t.Fatalf("train: code %d, stderr %q", code, stderr)
	}
	if strings.Count(stdout, "Training Model (8x8)") != 2 {
		t.Errorf("train output %q, want two epoch rows", stdout)
	}
	records, err := report.ReadHistory(history)
	if err != nil || len(records) != 2 {
		t.Errorf("history %v, %v; want two records", records, err)
	}
	if _, err := os.Stat(plot); err != nil {
		t.Errorf("plot not written: %v", err)
	}

	// the stopping rule already holds, so only the state is printed
	code, stdout, _ = runCapture("train", "-config", configPath, "-dataset", datasetDir, "-iterations", "2", model)
	if code != 0 || !strings.Contains(stdout, "Model Info (8x8)") || !strings.Contains(stdout, "Iteration: 2") {
		t.Errorf("satisfied train: code %d, stdout %q", code, stdout)
	}

	output := filepath.Join(dir, "out.png")
	code, _, stderr = runCapture("inpaint", "-config", configPath,
		"-image", filepath.Join(datasetDir, "entry0-image.png"),
		"-mask", filepath.Join(datasetDir, "entry0-mask.png"),
		"-output", output, model)
	if code != 0 {
		t.Fatalf("inpaint: code %d, stderr %q", code, stderr)
	}
	if w, h, err := imageio.Size(output); err != nil || w != 9 || h != 6 {
		t.Errorf("output %dx%d, %v; want 9x6", w, h, err)
	}
}

func TestTrainFlagErrors(t *testing.T) {
	configPath, datasetDir := fixture(t)
	model := filepath.Join(t.TempDir(), "model.ckpt")
	if code, _, _ := runCapture("init", "-config", configPath, model); code != 0 {
		t.Fatalf("init failed")
	}
	tests := []struct {
		name string
		args []string
	}{
		{"no dataset", []string{"train", "-config", configPath, model}},
		{"plot without history", []string{"train", "-config", configPath, "-dataset", datasetDir, "-plot", "x.png", model}},
		{"bad cache", []string{"train", "-config", configPath, "-dataset", datasetDir, "-cache", "ssd", model}},
		{"gpu", []string{"train", "-config", configPath, "-dataset", datasetDir, "-device", "gpu", model}},
		{"no model", []string{"train", "-config", configPath, "-dataset", datasetDir}},
		{"missing model", []string{"info", filepath.Join(t.TempDir(), "absent")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCapture(tt.args...); code != 1 {
				t.Errorf("code %d, want 1", code)
			}
		})
	}
}

func TestRow(t *testing.T) {
	got := row("a", "bc")
	want := "a                    | bc                  "
	if got != want {
		t.Errorf("row = %q, want %q", got, want)
	}
}

func TestLoadProgress(t *testing.T) {
	var out, logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	progress := loadProgress(&out, loader.Disk, logger)
	for i := 1; i <= 3; i++ {
		progress(loader.LoadProgress{Loaded: i, Total: 3})
	}
	if !strings.Contains(out.String(), "Loading dataset (disk)") {
		t.Errorf("progress output %q", out.String())
	}
	if logs.Len() != 0 {
		t.Errorf("unexpected logs %q", logs.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed terminal") }

func TestLoadProgressLogsDrawErrors(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	progress := loadProgress(failingWriter{}, loader.Memory, logger)
	progress(loader.LoadProgress{Loaded: 1, Total: 2})
	progress(loader.LoadProgress{Loaded: 2, Total: 2})
	if !strings.Contains(logs.String(), "closed terminal") {
		t.Errorf("draw errors not logged: %q", logs.String())
	}
}
