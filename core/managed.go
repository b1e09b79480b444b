package core

import "time"

// ManagedVariable is a host-owned binding injected into a script's
// namespace at awaken and refreshed before every step invocation after
// the first. A new
// variable is a new implementer; script steps need no changes to support
// it.
type ManagedVariable interface {
	// Name is the top-level binding this variable writes.
	Name() string

	// InitialValue is written once, right after the script's top-level
	// code runs during awaken; it is what the first step() invocation
	// observes.
	InitialValue() ScriptValue

	// PerStepValue is recomputed immediately before every step() call
	// after the first, and supplies the value that call observes.
	PerStepValue() ScriptValue
}

// DeltaTime is the managed variable "delta_time": the monotonic duration,
// in seconds, between the previous step() invocation and this one, or
// 0.0 on the first invocation. It measures with a clock that starts at
// awaken (InitialValue) and is re-marked at each PerStepValue call, so
// the value observed by invocation k is the elapsed time between
// invocations k-1 and k, including any time spent waiting between
// iterations (e.g. blocked in an input step's receive).
type DeltaTime struct {
	last time.Time
}

// NewDeltaTime constructs a fresh DeltaTime clock.
func NewDeltaTime() *DeltaTime {
	return &DeltaTime{}
}

func (d *DeltaTime) Name() string { return "delta_time" }

// InitialValue starts the clock and is the value the first step()
// invocation observes.
func (d *DeltaTime) InitialValue() ScriptValue {
	d.last = time.Now()
	return 0.0
}

// PerStepValue is recomputed immediately before each step() call after
// the first: the elapsed time since the clock was last marked, which is
// the value that upcoming invocation observes.
func (d *DeltaTime) PerStepValue() ScriptValue {
	now := time.Now()
	elapsed := now.Sub(d.last).Seconds()
	d.last = now
	return elapsed
}
