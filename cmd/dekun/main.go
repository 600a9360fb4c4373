// Command dekun creates, trains and applies LaMa-style inpainting models.
//
// Usage:
//
//	dekun init    [-config file] [-width 512] [-height 512] model
//	dekun info    model
//	dekun train   [-config file] -dataset dir [-iterations n] [-threshold loss] [-cache none|memory|disk] model
//	dekun inpaint [-config file] -image file -mask file [-output file] model
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/dekun"
	"github.com/dekun/dekun/internal/config"
	"github.com/dekun/dekun/internal/net"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type command struct {
	name  string
	usage string
	run   func(args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"init", "create an untrained model", runInit},
	{"info", "print the state of a model", runInfo},
	{"train", "train a model on a dataset directory", runTrain},
	{"inpaint", "fill the masked region of an image", runInpaint},
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if err := c.run(args[1:], stdout, stderr); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			fmt.Fprintf(stderr, "dekun %s: %v\n", c.name, err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "dekun: unknown command %q\n", args[0])
	usage(stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: dekun <command> [flags] <model>")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
	}
}

// common holds the flags shared by the commands that need a configuration.
type common struct {
	configPath string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "configuration file, YAML (.yaml, .yml) or JSON")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the configuration)")
}

// load returns the configuration and a logger writing to stderr.
func (c *common) load(stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg := config.Defaults()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return config.Config{}, nil, err
		}
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// options converts cfg into inpainter options, loading a custom perceptual
// backbone when one is configured.
func options(cfg config.Config, logger *slog.Logger) (dekun.Options, error) {
	opts := cfg.Inpainter(logger)
	if cfg.Backbone != "" && cfg.PerceptualWeight > 0 {
		backbone, err := net.LoadBackbone(cfg.Backbone)
		if err != nil {
			return dekun.Options{}, err
		}
		opts.Extractor = backbone
	}
	return opts, nil
}

// modelArg returns the single positional model path.
func modelArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", errors.Errorf("expected one model path, got %d arguments", fs.NArg())
	}
	return fs.Arg(0), nil
}

// isSet reports whether a flag was given on the command line.
func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// row pads each part to a fixed column and joins them.
func row(parts ...string) string {
	padded := make([]string, len(parts))
	for i, p := range parts {
		padded[i] = fmt.Sprintf("%-20s", p)
	}
	return strings.Join(padded, " | ")
}

func runInit(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	width := fs.Int("width", 512, "canvas width")
	height := fs.Int("height", 512, "canvas height")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := modelArg(fs)
	if err != nil {
		return err
	}

	cfg, logger, err := c.load(stderr)
	if err != nil {
		return err
	}
	if isSet(fs, "width") || c.configPath == "" {
		cfg.Width = *width
	}
	if isSet(fs, "height") || c.configPath == "" {
		cfg.Height = *height
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("the file already exists: %s", path)
	}
	opts, err := options(cfg, logger)
	if err != nil {
		return err
	}
	in, err := dekun.New(opts)
	if err != nil {
		return err
	}
	if err := in.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Created %s (%dx%d)\n", path, in.Width(), in.Height())
	return nil
}

func runInfo(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := modelArg(fs)
	if err != nil {
		return err
	}
	c, err := dekun.ReadCheckpoint(path)
	if err != nil {
		return err
	}
	a := c.Architecture
	fmt.Fprintf(stdout, "Width: %d\n", c.Width)
	fmt.Fprintf(stdout, "Height: %d\n", c.Height)
	fmt.Fprintf(stdout, "Loss: %v\n", c.Loss)
	fmt.Fprintf(stdout, "Iterations: %d\n", c.Iterations)
	fmt.Fprintf(stdout, "Architecture: mid=%d down=%d residual=%d global=%v disc=%dx%d\n",
		a.MidChannels, a.Down, a.Residual, a.GlobalRatio, a.DiscChannels, a.DiscLayers)
	fmt.Fprintf(stdout, "Tensors: generator=%d discriminator=%d\n",
		len(c.GeneratorState), len(c.DiscriminatorState))
	return nil
}
