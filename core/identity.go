// Package core holds the wire-level identity types and step lifecycle
// contracts shared by every subsystem: pipeline names, connection GUIDs,
// peer descriptors, beacon advertisements, and the five-role Step
// interfaces the driver dispatches over.
package core

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var pipelineNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// PipelineName is the user-visible identifier advertised during discovery
// and used to key incoming data in scripts.
type PipelineName string

// Validate reports whether n satisfies the naming rule: length >= 3,
// starting with an ASCII letter, containing only letters, digits, '-'
// and '_'.
func (n PipelineName) Validate() error {
	if len(n) < 3 {
		return fmt.Errorf("pipeline name %q: must be at least 3 characters", string(n))
	}
	if !pipelineNamePattern.MatchString(string(n)) {
		return fmt.Errorf("pipeline name %q: must start with a letter and contain only letters, digits, '-' or '_'", string(n))
	}
	return nil
}

// ConnectionGUID is the 128-bit identifier an output step mints when it
// is awakened. It rides in frame 0 of every data message so a receiver
// can distinguish senders that share a display name.
type ConnectionGUID [16]byte

// NewConnectionGUID mints a fresh random connection GUID.
func NewConnectionGUID() ConnectionGUID {
	return ConnectionGUID(uuid.New())
}

// String renders the GUID in canonical UUID form.
func (g ConnectionGUID) String() string {
	return uuid.UUID(g).String()
}

// ParseConnectionGUID parses a canonical UUID string into a ConnectionGUID.
func ParseConnectionGUID(s string) (ConnectionGUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConnectionGUID{}, fmt.Errorf("parse connection guid %q: %w", s, err)
	}
	return ConnectionGUID(u), nil
}

// PeerDescriptor is exchanged over the TCP handshake: a finder tells a
// beacon who it is.
type PeerDescriptor struct {
	Name string `json:"Name"`
	Guid string `json:"Guid"`
}

// BeaconAdvertisement is the UTF-8 JSON payload broadcast over UDP by a
// beacon, advertising the listener a finder should connect to.
type BeaconAdvertisement struct {
	Name         string `json:"Name"`
	ListenerPort int    `json:"ListenerPort"`
}
