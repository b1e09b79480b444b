// Package pipeline drives one pipeline's full lifecycle: validation,
// the five-role step chain's awaken/iterate/end sequence, and the
// start handshake with its caller (spec.md §4.1).
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/telemetry"
)

// startTimeout bounds how long Start waits for the worker to report
// started before declaring failure.
const startTimeout = 5 * time.Second

// Steps bundles one pipeline's five step-role slots. Input and
// Deserialize must both be set or both be nil; Serialize and Output
// must both be set or both be nil. Scripts must be non-empty.
type Steps struct {
	Input       core.InputStep
	Deserialize core.DeserializeStep
	Scripts     []core.ScriptStep
	Serialize   core.SerializeStep
	Output      core.OutputStep
}

// Driver owns one pipeline's lifecycle. Construct with New, run with
// Start. A Driver is used once; it is not restartable after it
// terminates.
type Driver struct {
	name  core.PipelineName
	steps Steps

	logger telemetry.Logger

	mu    sync.Mutex
	state core.DriverState
}

// New constructs a Driver in state Constructed.
func New(name string, steps Steps, logger telemetry.Logger) *Driver {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Driver{
		name:   core.PipelineName(name),
		steps:  steps,
		logger: logger.WithModule("driver"),
		state:  core.StateConstructed,
	}
}

// State returns the driver's current lifecycle state.
func (d *Driver) State() core.DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s core.DriverState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Validate checks the synchronous rules spec.md §4.1 names. It never
// mutates state and may be called before Start.
func (d *Driver) Validate() error {
	if err := d.name.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if len(d.steps.Scripts) == 0 {
		return fmt.Errorf("pipeline: script_steps must be non-empty")
	}
	if (d.steps.Input == nil) != (d.steps.Deserialize == nil) {
		return fmt.Errorf("pipeline: input and deserialize steps must both be present or both absent")
	}
	if (d.steps.Serialize == nil) != (d.steps.Output == nil) {
		return fmt.Errorf("pipeline: serialize and output steps must both be present or both absent")
	}
	return nil
}

// Start validates, launches the dedicated worker goroutine that owns
// the driver's lifecycle, and blocks up to startTimeout for it to
// report started. On success it returns an exit channel that receives
// exactly one value (nil on clean completion) when the worker ends.
// All progress and failures after Start returns are reported via that
// channel; ctx cancellation is this driver's cooperative stop signal.
func (d *Driver) Start(ctx context.Context) (<-chan error, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d.setState(core.StateValidated)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	started := make(chan struct{})
	exit := make(chan error, 1)

	go d.run(workerCtx, started, exit)

	select {
	case <-started:
		return exit, nil
	case <-time.After(startTimeout):
		cancelWorker()
		return nil, fmt.Errorf("pipeline: worker did not report started within %s", startTimeout)
	}
}

// run is the dedicated worker's entire lifecycle, per spec.md §4.1's
// worker loop.
func (d *Driver) run(ctx context.Context, started chan<- struct{}, exit chan<- error) {
	close(started)

	d.setState(core.StateAwakening)

	awakened, err := d.awakenAll(ctx)
	if err != nil {
		d.endBestEffort(awakened)
		d.setState(core.StateFailed)
		exit <- err
		return
	}

	d.setState(core.StateIterating)
	iterErr := d.runIterationsRecovered(ctx)

	d.setState(core.StateEnding)
	d.endBestEffort(d.orderedSteps())

	if iterErr != nil {
		d.setState(core.StateFailed)
		exit <- iterErr
		return
	}

	d.setState(core.StateTerminated)
	exit <- nil
}

// runIterationsRecovered runs the iteration loop, converting a script
// or step panic into an ordinary error so the worker can still end all
// steps best-effort instead of taking the whole process down with it.
func (d *Driver) runIterationsRecovered(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("pipeline: iteration panicked: %v\n%s", r, buf[:n])
		}
	}()
	return d.iterationLoop(ctx)
}

func (d *Driver) orderedSteps() []core.Step {
	var out []core.Step
	if d.steps.Input != nil {
		out = append(out, d.steps.Input)
	}
	if d.steps.Deserialize != nil {
		out = append(out, d.steps.Deserialize)
	}
	for _, s := range d.steps.Scripts {
		out = append(out, s)
	}
	if d.steps.Serialize != nil {
		out = append(out, d.steps.Serialize)
	}
	if d.steps.Output != nil {
		out = append(out, d.steps.Output)
	}
	return out
}

// awakenAll awakens every configured step in order, returning the
// prefix that succeeded so a failure at step k can still end 0..k-1.
func (d *Driver) awakenAll(ctx context.Context) ([]core.Step, error) {
	steps := d.orderedSteps()
	awakened := make([]core.Step, 0, len(steps))
	for _, s := range steps {
		if err := s.Awaken(ctx); err != nil {
			return awakened, fmt.Errorf("pipeline: awaken: %w", err)
		}
		awakened = append(awakened, s)
	}
	return awakened, nil
}

// endBestEffort calls End() on every step in reverse order, swallowing
// and logging each step's own error or panic (spec.md §4.1 failure
// policy).
func (d *Driver) endBestEffort(steps []core.Step) {
	for i := len(steps) - 1; i >= 0; i-- {
		d.endOneBestEffort(steps[i])
	}
}

func (d *Driver) endOneBestEffort(s core.Step) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("step end panicked", telemetry.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := s.End(); err != nil {
		d.logger.Warn("step end failed", telemetry.Err(err))
	}
}

// iterationLoop runs iterations until ctx is cancelled or one of them
// fails.
func (d *Driver) iterationLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := d.iterate(ctx); err != nil {
			return err
		}
	}
}

// iterate runs exactly one pass through the step chain, per spec.md
// §4.1's iteration algorithm. Absent steps act as a no-op passthrough.
// Every check-cancel point returns nil (clean exit) rather than an
// error when ctx has fired.
func (d *Driver) iterate(ctx context.Context) error {
	var bySource map[string][]byte
	if d.steps.Input != nil {
		var err error
		bySource, err = d.steps.Input.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: receive: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	var value core.ScriptValue
	if d.steps.Deserialize != nil {
		var err error
		value, err = d.steps.Deserialize.Deserialize(bySource)
		if err != nil {
			return fmt.Errorf("pipeline: deserialize: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	for _, s := range d.steps.Scripts {
		var err error
		value, err = s.Invoke(ctx, value)
		if err != nil {
			return fmt.Errorf("pipeline: script: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	var outBytes []byte
	if d.steps.Serialize != nil {
		var err error
		outBytes, err = d.steps.Serialize.Serialize(value)
		if err != nil {
			return fmt.Errorf("pipeline: serialize: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	if d.steps.Output != nil {
		if err := d.steps.Output.Send(outBytes); err != nil {
			return fmt.Errorf("pipeline: send: %w", err)
		}
	}

	return nil
}
