package inpainter

// Callback decides after each epoch whether training continues.
type Callback func(p TrainProgress) bool

// UntilIteration continues while fewer than target epochs have completed.
func UntilIteration(target int) Callback {
	return func(p TrainProgress) bool { return p.Iteration < target }
}

// UntilLoss continues while the epoch loss is above threshold.
func UntilLoss(threshold float64) Callback {
	return func(p TrainProgress) bool { return p.Loss > threshold }
}

// Any continues while at least one callback does. Every callback is called.
func Any(callbacks ...Callback) Callback {
	return func(p TrainProgress) bool {
		cont := false
		for _, cb := range callbacks {
			if cb(p) {
				cont = true
			}
		}
		return cont
	}
}

// Observe calls fn with every progress report before deferring to next.
func Observe(fn func(TrainProgress), next Callback) Callback {
	return func(p TrainProgress) bool {
		fn(p)
		return next != nil && next(p)
	}
}

// Satisfied reports whether the inpainter already meets every stopping
// rule. A nil rule is met.
func (in *Inpainter) Satisfied(iterations *int, threshold *float64) bool {
	if iterations != nil && in.iterations < *iterations {
		return false
	}
	if threshold != nil && in.loss > *threshold {
		return false
	}
	return true
}
