package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/dekun"
	"github.com/dekun/dekun/internal/device"
)

func runInpaint(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("inpaint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	imagePath := fs.String("image", "", "image to inpaint")
	maskPath := fs.String("mask", "", "mask of the region to fill, white is filled")
	output := fs.String("output", "output.jpg", "output image; the extension selects the format")
	deviceName := fs.String("device", "", "device: auto, cpu or gpu (overrides the configuration)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := modelArg(fs)
	if err != nil {
		return err
	}
	if *imagePath == "" || *maskPath == "" {
		return errors.New("-image and -mask are required")
	}

	cfg, logger, err := c.load(stderr)
	if err != nil {
		return err
	}
	if *deviceName != "" {
		cfg.Device = *deviceName
	}
	if _, err := device.Resolve(cfg.Device); err != nil {
		return err
	}
	opts, err := options(cfg, logger)
	if err != nil {
		return err
	}
	in, err := dekun.Load(path, opts)
	if err != nil {
		return err
	}
	if err := dekun.InpaintFile(in, *imagePath, *maskPath, *output); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", *output)
	return nil
}
