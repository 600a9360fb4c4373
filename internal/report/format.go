// Package report tracks training history: the per-epoch CSV log, the loss
// curve, duration formatting and time-to-finish estimates.
package report

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatDuration renders d as days, hours, minutes and seconds ("1h 1m 1s"),
// or as milliseconds when it is shorter than a second ("500ms").
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		if d < 0 {
			d = 0
		}
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	var parts []string
	units := []struct {
		size   time.Duration
		suffix string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}
	for _, u := range units {
		if d >= u.size {
			parts = append(parts, fmt.Sprintf("%d%s", d/u.size, u.suffix))
			d %= u.size
		}
	}
	return strings.Join(parts, " ")
}

// AverageDifference returns the mean drop between consecutive values,
// mean(v[i] - v[i+1]), or 0 for fewer than two values.
func AverageDifference(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(values); i++ {
		sum += values[i] - values[i+1]
	}
	return sum / float64(len(values)-1)
}

const (
	durationWindow = 10
	lossWindow     = 3
)

// Estimator predicts the remaining training time from the most recent epoch
// durations and losses.
type Estimator struct {
	durations []time.Duration
	losses    []float64
}

// Observe records one finished epoch.
func (e *Estimator) Observe(loss float64, duration time.Duration) {
	e.durations = append(e.durations, duration)
	if len(e.durations) > durationWindow {
		e.durations = e.durations[1:]
	}
	e.losses = append(e.losses, loss)
	if len(e.losses) > lossWindow {
		e.losses = e.losses[1:]
	}
}

// MeanDuration returns the mean of the recent epoch durations.
func (e *Estimator) MeanDuration() time.Duration {
	if len(e.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range e.durations {
		sum += d
	}
	return sum / time.Duration(len(e.durations))
}

// UntilIteration estimates the time to reach target from iteration.
func (e *Estimator) UntilIteration(iteration, target int) time.Duration {
	if iteration >= target {
		return 0
	}
	return time.Duration(target-iteration) * e.MeanDuration()
}

// UntilLoss estimates the time for the loss to fall to threshold at the
// recent rate of improvement. It reports false when there is not enough
// history or the loss is not improving.
func (e *Estimator) UntilLoss(threshold float64) (time.Duration, bool) {
	if len(e.losses) < 2 {
		return 0, false
	}
	rate := AverageDifference(e.losses)
	loss := e.losses[len(e.losses)-1]
	if loss <= threshold {
		return 0, true
	}
	if rate <= 0 {
		return 0, false
	}
	epochs := math.Ceil((loss - threshold) / rate)
	return time.Duration(epochs) * e.MeanDuration(), true
}
