package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/dekun/dekun/dekun"
	"github.com/dekun/dekun/internal/dataset"
	"github.com/dekun/dekun/internal/device"
	"github.com/dekun/dekun/internal/inpainter"
	"github.com/dekun/dekun/internal/loader"
	"github.com/dekun/dekun/internal/report"
)

func runTrain(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	datasetDir := fs.String("dataset", "", "dataset directory of <name>-image / <name>-mask files")
	iterations := fs.Int("iterations", 0, "train until this many epochs have completed")
	threshold := fs.Float64("threshold", 0, "train until the epoch loss is at most this value")
	cache := fs.String("cache", "", "cache tier: none, memory or disk (overrides the configuration)")
	deviceName := fs.String("device", "", "device: auto, cpu or gpu (overrides the configuration)")
	order := fs.String("sort", string(dataset.SortName), "dataset order: name, date or size")
	historyPath := fs.String("history", "", "append per-epoch progress to this CSV file")
	plotPath := fs.String("plot", "", "write the loss curve of the history to this PNG file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := modelArg(fs)
	if err != nil {
		return err
	}
	if *datasetDir == "" {
		return errors.New("-dataset is required")
	}
	if *plotPath != "" && *historyPath == "" {
		return errors.New("-plot requires -history")
	}

	cfg, logger, err := c.load(stderr)
	if err != nil {
		return err
	}
	if *cache != "" {
		cfg.Cache = *cache
	}
	if *deviceName != "" {
		cfg.Device = *deviceName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sortOrder, err := dataset.ParseSort(*order)
	if err != nil {
		return err
	}
	dev, err := device.Resolve(cfg.Device)
	if err != nil {
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

	var iterRule *int
	var lossRule *float64
	if isSet(fs, "iterations") {
		iterRule = iterations
	}
	if isSet(fs, "threshold") {
		lossRule = threshold
	}
	if in.Satisfied(iterRule, lossRule) {
		fmt.Fprintln(stdout, "Info     |"+row(
			fmt.Sprintf("Model Info (%dx%d)", in.Width(), in.Height()),
			fmt.Sprintf("Iteration: %d", in.Iterations()),
			fmt.Sprintf("Loss: %.5f", in.Loss())))
		return nil
	}

	loaderOpts, err := cfg.Loader(in.Width(), in.Height(), dev, logger)
	if err != nil {
		return err
	}
	loaderOpts.Progress = loadProgress(stderr, loaderOpts.Tier, logger)

	var history *report.History
	if *historyPath != "" {
		history = report.NewHistory(*historyPath, true)
		if err := history.Open(); err != nil {
			return err
		}
		defer history.Close()
	}

	var rules []inpainter.Callback
	if iterRule != nil {
		rules = append(rules, dekun.UntilIteration(*iterRule))
	}
	if lossRule != nil {
		rules = append(rules, dekun.UntilLoss(*lossRule))
	}
	var estimator report.Estimator
	var trainErr error
	callback := inpainter.Observe(func(p inpainter.TrainProgress) {
		estimator.Observe(p.Loss, p.Duration)
		if history != nil {
			if err := history.Record(report.Record{Iteration: p.Iteration, Loss: p.Loss, Duration: p.Duration}); err != nil && trainErr == nil {
				trainErr = err
			}
		}
		fmt.Fprintln(stdout, row(
			fmt.Sprintf("Training Model (%dx%d)", in.Width(), in.Height()),
			fmt.Sprintf("Iteration: %d", p.Iteration),
			fmt.Sprintf("Loss: %.5f", p.Loss),
			fmt.Sprintf("Duration: %s", report.FormatDuration(p.Duration)),
			fmt.Sprintf("Estimate: %s", estimate(&estimator, p, iterRule, lossRule))))
	}, dekun.Any(rules...))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = dekun.Train(ctx, in, *datasetDir, sortOrder, loaderOpts, func(p inpainter.TrainProgress) bool {
		return callback(p) && trainErr == nil
	})
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("training interrupted, saving completed epochs", "iteration", in.Iterations())
	case err != nil:
		return err
	}
	if trainErr != nil {
		return trainErr
	}
	if err := in.Save(path); err != nil {
		return err
	}

	if *plotPath != "" {
		return plot(history, *historyPath, *plotPath)
	}
	return nil
}

// loadProgress draws a progress bar over cache construction. Failures to
// draw are logged and never stop loading.
func loadProgress(w io.Writer, tier loader.Tier, logger *slog.Logger) func(loader.LoadProgress) {
	var bar *progressbar.ProgressBar
	return func(p loader.LoadProgress) {
		if bar == nil {
			bar = progressbar.NewOptions(p.Total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription(fmt.Sprintf("Loading dataset (%s)", tier)),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("entries"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "█",
					SaucerPadding: "░",
					BarStart:      "│",
					BarEnd:        "│",
				}),
			)
		}
		if err := bar.Set(p.Loaded); err != nil {
			logger.Warn("failed to draw load progress", "loaded", p.Loaded, "error", err)
		}
		if p.Loaded == p.Total {
			if err := bar.Finish(); err != nil {
				logger.Warn("failed to finish load progress", "error", err)
			}
			fmt.Fprintln(w)
		}
	}
}

// estimate formats the remaining time under the active stopping rule. The
// iteration rule takes precedence while it keeps training going.
func estimate(e *report.Estimator, p inpainter.TrainProgress, iterations *int, threshold *float64) string {
	if iterations != nil && p.Iteration < *iterations {
		return report.FormatDuration(e.UntilIteration(p.Iteration, *iterations))
	}
	if threshold != nil {
		if d, ok := e.UntilLoss(*threshold); ok {
			return report.FormatDuration(d)
		}
		return "unknown"
	}
	return report.FormatDuration(0)
}

// plot draws the loss curve of the whole history file, earlier sessions
// included.
func plot(history *report.History, historyPath, plotPath string) error {
	if err := history.Close(); err != nil {
		return err
	}
	records, err := report.ReadHistory(historyPath)
	if err != nil {
		return err
	}
	return report.PlotLoss(records, plotPath)
}
