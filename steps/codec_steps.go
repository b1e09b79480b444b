package steps

import (
	"context"

	"github.com/creastat/meshline/codec"
	"github.com/creastat/meshline/core"
)

// DeserializeStep implements core.DeserializeStep over codec.JSON. It
// owns no resources: Awaken and End are no-ops.
type DeserializeStep struct {
	codec codec.JSON
}

// NewDeserializeStep constructs a DeserializeStep.
func NewDeserializeStep() *DeserializeStep {
	return &DeserializeStep{}
}

func (s *DeserializeStep) Awaken(ctx context.Context) error { return nil }
func (s *DeserializeStep) End() error                        { return nil }

func (s *DeserializeStep) Deserialize(bySource map[string][]byte) (core.ScriptValue, error) {
	return s.codec.Deserialize(bySource)
}

// SerializeStep implements core.SerializeStep over codec.JSON. It owns
// no resources: Awaken and End are no-ops.
type SerializeStep struct {
	codec codec.JSON
}

// NewSerializeStep constructs a SerializeStep.
func NewSerializeStep() *SerializeStep {
	return &SerializeStep{}
}

func (s *SerializeStep) Awaken(ctx context.Context) error { return nil }
func (s *SerializeStep) End() error                        { return nil }

func (s *SerializeStep) Serialize(value core.ScriptValue) ([]byte, error) {
	return s.codec.Serialize(value)
}
