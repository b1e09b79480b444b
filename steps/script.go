package steps

import (
	"context"
	"fmt"
	"sync"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/scripthost"
	"github.com/creastat/meshline/telemetry"
)

// ScriptStep implements core.ScriptStep: it hosts one user script in
// an isolated namespace managed by a shared scripthost.Bridge, and
// drives its step()/end() functions per spec.md §4.6.
type ScriptStep struct {
	bridge  *scripthost.Bridge
	source  string
	managed []core.ManagedVariable
	logger  telemetry.Logger

	moduleKey string
	arity     int
	hasEnd    bool
	invoked   bool

	endOnce sync.Once
}

// NewScriptStep constructs a ScriptStep for the given source, sharing
// bridge with every other script step in the process.
func NewScriptStep(bridge *scripthost.Bridge, source string, managed []core.ManagedVariable, logger telemetry.Logger) *ScriptStep {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &ScriptStep{bridge: bridge, source: source, managed: managed, logger: logger.WithModule("script")}
}

// Awaken implements spec.md §4.6's awaken contract: runs the script's
// top-level code once, requires a step() of arity 0 or 1, detects an
// optional end(), and seeds any managed variables present as globals.
func (s *ScriptStep) Awaken(ctx context.Context) error {
	lease := s.bridge.Acquire()
	defer lease.Release()

	key, err := s.bridge.AddModuleAutoKey(s.source)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	s.moduleKey = key

	found := false
	for _, arity := range [2]int{0, 1} {
		ok, err := s.bridge.IsFunction(key, "step", arity)
		if err != nil {
			return fmt.Errorf("script: %w", err)
		}
		if ok {
			s.arity = arity
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("script: no callable step() with arity 0 or 1")
	}

	hasEnd, err := s.bridge.IsFunction(key, "end", 0)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	s.hasEnd = hasEnd

	for _, mv := range s.managed {
		isGlobal, err := s.bridge.IsGlobal(key, mv.Name())
		if err != nil {
			return fmt.Errorf("script: %w", err)
		}
		if !isGlobal {
			continue
		}
		if err := s.bridge.SetGlobal(key, mv.Name(), mv.InitialValue()); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}

	return nil
}

// Invoke implements spec.md §4.6's invoke contract. Managed variables
// seeded with InitialValue() at Awaken are refreshed with PerStepValue()
// immediately before this call, for every invocation after the first,
// so the value a script observes reflects everything that happened
// since the previous step() call, not just the time spent inside it.
func (s *ScriptStep) Invoke(ctx context.Context, arg core.ScriptValue) (core.ScriptValue, error) {
	lease := s.bridge.Acquire()
	defer lease.Release()

	if s.invoked {
		for _, mv := range s.managed {
			isGlobal, err := s.bridge.IsGlobal(s.moduleKey, mv.Name())
			if err != nil {
				return nil, fmt.Errorf("script: %w", err)
			}
			if !isGlobal {
				continue
			}
			if err := s.bridge.SetGlobal(s.moduleKey, mv.Name(), mv.PerStepValue()); err != nil {
				return nil, fmt.Errorf("script: %w", err)
			}
		}
	}
	s.invoked = true

	var callArgs []any
	if s.arity == 1 {
		if arg == nil {
			callArgs = []any{s.bridge.None()}
		} else {
			callArgs = []any{arg}
		}
	}

	result, err := s.bridge.CallFunction(s.moduleKey, "step", callArgs...)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}

	// Exported to a plain Go value so the result can cross into the
	// next script step's own runtime instance, or into serialize,
	// without carrying a reference back into this module's namespace.
	return result.Export(), nil
}

// End implements spec.md §4.6's end contract: invokes end() if one was
// detected, logging and suppressing any error. Idempotent.
func (s *ScriptStep) End() error {
	s.endOnce.Do(func() {
		if !s.hasEnd {
			return
		}
		lease := s.bridge.Acquire()
		defer lease.Release()

		if _, err := s.bridge.CallFunction(s.moduleKey, "end"); err != nil {
			s.logger.Warn("end() failed", telemetry.Err(err))
		}
	})
	return nil
}
