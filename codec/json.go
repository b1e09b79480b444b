// Package codec supplies the default payload codec (spec.md §6): the
// conversion between the wire protocol's raw bytes and the scripting
// runtime's values.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/creastat/meshline/core"
)

// JSON is the default codec. It round-trips any JSON-representable
// scripting value; no schema is assumed on either side.
type JSON struct{}

// Deserialize decodes each source's JSON payload independently into a
// map[string]any keyed by the same disambiguated display names the
// fan-in buffer produced. An empty payload decodes to nil.
func (JSON) Deserialize(bySource map[string][]byte) (core.ScriptValue, error) {
	out := make(map[string]any, len(bySource))
	for name, raw := range bySource {
		if len(raw) == 0 {
			out[name] = nil
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("codec: decode source %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Serialize encodes value as JSON. A goja.Value (the typical shape of
// a script step's return) is exported to its underlying Go
// representation first.
func (JSON) Serialize(value core.ScriptValue) ([]byte, error) {
	if gv, ok := value.(goja.Value); ok {
		value = gv.Export()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return payload, nil
}
