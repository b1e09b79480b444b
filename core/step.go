package core

import "context"

// ScriptValue is whatever the embedded scripting runtime hands between
// script steps. It is opaque to the driver: only deserialize/script/
// serialize steps know how to produce or consume it.
type ScriptValue any

// Step is the lifecycle every one of the five step roles implements.
// awaken acquires resources; end releases them, best-effort, exactly
// once. Steps are owned exclusively by their driver; they are never
// shared across drivers.
type Step interface {
	// Awaken acquires resources: binds sockets, runs script top-level
	// code, completes discovery. Called once, before any iteration.
	Awaken(ctx context.Context) error

	// End releases resources. Called once after the loop exits,
	// best-effort: a second call is a no-op and never returns an error.
	End() error
}

// InputStep receives byte messages from N upstream peers and hands the
// driver one message per source, keyed by disambiguated display name.
type InputStep interface {
	Step
	// Receive blocks until at least one message is queued for every
	// source, or ctx is cancelled. It never returns a partial map.
	Receive(ctx context.Context) (map[string][]byte, error)
}

// DeserializeStep turns a per-source byte map into a scripting value.
type DeserializeStep interface {
	Step
	Deserialize(bySource map[string][]byte) (ScriptValue, error)
}

// ScriptStep hosts one user script and invokes its step function once
// per iteration.
type ScriptStep interface {
	Step
	Invoke(ctx context.Context, arg ScriptValue) (ScriptValue, error)
}

// SerializeStep turns the final script output into bytes.
type SerializeStep interface {
	Step
	Serialize(value ScriptValue) ([]byte, error)
}

// OutputStep fans serialized payloads out to M downstream peers.
type OutputStep interface {
	Step
	// Send enqueues payload for delivery and returns immediately. A nil
	// payload is silently dropped.
	Send(payload []byte) error
}

// DriverState is the pipeline driver's lifecycle state.
type DriverState int

const (
	StateConstructed DriverState = iota
	StateValidated
	StateAwakening
	StateIterating
	StateEnding
	StateTerminated
	StateFailed
)

func (s DriverState) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateValidated:
		return "Validated"
	case StateAwakening:
		return "Awakening"
	case StateIterating:
		return "Iterating"
	case StateEnding:
		return "Ending"
	case StateTerminated:
		return "Terminated"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
