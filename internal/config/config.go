// Package config holds the user-facing settings of dekun and converts them
// into the options of the loader and the inpainter.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dekun/dekun/internal/device"
	"github.com/dekun/dekun/internal/errs"
	"github.com/dekun/dekun/internal/inpainter"
	"github.com/dekun/dekun/internal/loader"
	"github.com/dekun/dekun/internal/net"
)

// Config is the configuration file, written as YAML or JSON.
type Config struct {
	Device string `json:"device" yaml:"device"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`

	Architecture net.Architecture `json:"architecture" yaml:"architecture"`

	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
	Prefetch     int     `json:"prefetch" yaml:"prefetch"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Beta1        float64 `json:"beta1" yaml:"beta1"`
	Beta2        float64 `json:"beta2" yaml:"beta2"`

	ReconstructionWeight float64 `json:"reconstruction_weight" yaml:"reconstruction_weight"`
	AdversarialWeight    float64 `json:"adversarial_weight" yaml:"adversarial_weight"`
	PerceptualWeight     float64 `json:"perceptual_weight" yaml:"perceptual_weight"`
	// Backbone is a state file replacing the default perceptual backbone.
	Backbone string `json:"backbone,omitempty" yaml:"backbone,omitempty"`

	// Palette holds hex colors for the masked region; empty uses the
	// default white, gray and black.
	Palette []string `json:"palette,omitempty" yaml:"palette,omitempty"`
	Cache   string   `json:"cache" yaml:"cache"`
	TempDir string   `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`

	Seed     int64  `json:"seed" yaml:"seed"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	o := inpainter.DefaultOptions(512, 512)
	return Config{
		Device:               "auto",
		Width:                o.Width,
		Height:               o.Height,
		Architecture:         o.Architecture,
		BatchSize:            o.BatchSize,
		Prefetch:             o.Prefetch,
		LearningRate:         o.LearningRate,
		Beta1:                o.Beta1,
		Beta2:                o.Beta2,
		ReconstructionWeight: o.Weights.Reconstruction,
		AdversarialWeight:    o.Weights.Adversarial,
		PerceptualWeight:     o.Weights.Perceptual,
		Cache:                string(loader.None),
		Seed:                 o.Seed,
		LogLevel:             "info",
	}
}

// Load reads a configuration file over the defaults, as YAML when the
// extension is .yaml or .yml and as JSON otherwise.
func Load(filename string) (Config, error) {
	if isYAML(filename) {
		return LoadYAML(filename)
	}
	return LoadJSON(filename)
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// LoadYAML reads a YAML configuration file over the defaults. Unknown fields
// are rejected.
func LoadYAML(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}
	c := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, errors.Wrapf(errs.ErrConfiguration, "%s: %v", filename, err)
	}
	return c, nil
}

// LoadJSON reads a configuration file over the defaults. Unknown fields are
// rejected, so a typo never silently falls back to a default.
func LoadJSON(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}
	c := Defaults()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, errors.Wrapf(errs.ErrConfiguration, "%s: %v", filename, err)
	}
	return c, nil
}

// Save writes the configuration as YAML or indented JSON, chosen by the
// extension like Load.
func (c Config) Save(filename string) error {
	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return errors.Wrap(os.WriteFile(filename, data, 0o644), "failed to write config")
}

// Validate checks every field. The returned error wraps ErrConfiguration.
func (c Config) Validate() error {
	if _, err := device.Resolve(c.Device); err != nil && !errors.Is(err, errs.ErrDevice) {
		return err
	}
	if _, err := loader.ParseTier(c.Cache); err != nil {
		return err
	}
	if _, err := c.palette(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return c.Inpainter(nil).Validate()
}

func (c Config) palette() ([]loader.Color, error) {
	if len(c.Palette) == 0 {
		return nil, nil
	}
	return loader.ParsePalette(c.Palette)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, errs.Configf("log level %q (debug|info|warn|error)", c.LogLevel)
	}
	return level, nil
}

// Inpainter returns the inpainter options described by c.
func (c Config) Inpainter(logger *slog.Logger) inpainter.Options {
	o := inpainter.DefaultOptions(c.Width, c.Height)
	o.Architecture = c.Architecture
	o.BatchSize = c.BatchSize
	o.Prefetch = c.Prefetch
	o.LearningRate = c.LearningRate
	o.Beta1, o.Beta2 = c.Beta1, c.Beta2
	o.Weights = inpainter.LossWeights{
		Reconstruction: c.ReconstructionWeight,
		Adversarial:    c.AdversarialWeight,
		Perceptual:     c.PerceptualWeight,
	}
	o.Seed = c.Seed
	o.Logger = logger
	return o
}

// Loader returns the loader options for a width×height canvas, which is
// the model's canvas when training resumes from a checkpoint.
func (c Config) Loader(width, height int, dev device.Device, logger *slog.Logger) (loader.Options, error) {
	tier, err := loader.ParseTier(c.Cache)
	if err != nil {
		return loader.Options{}, err
	}
	palette, err := c.palette()
	if err != nil {
		return loader.Options{}, err
	}
	return loader.Options{
		Width:   width,
		Height:  height,
		Tier:    tier,
		Palette: palette,
		Device:  dev,
		TempDir: c.TempDir,
		Logger:  logger,
	}, nil
}
