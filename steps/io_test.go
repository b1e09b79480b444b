package steps_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/meshline/steps"
)

// viableInterfaceName picks an up, non-loopback IPv4 interface for the
// input/output steps' discovery and data-listener binding.
func viableInterfaceName(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return iface.Name
			}
		}
	}

	t.Skip("no viable non-loopback IPv4 interface available")
	return ""
}

// TestInputOutputEndToEnd wires one OutputStep to one InputStep through
// real discovery and a real TCP data connection, sending a handful of
// messages and confirming they arrive intact (spec.md §8 scenario S1).
func TestInputOutputEndToEnd(t *testing.T) {
	iface := viableInterfaceName(t)
	discoveryPort := 35001

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	input := steps.NewInputStep(steps.InputConfig{
		Name:                   "sink",
		InboundInterfaceName:   iface,
		ExpectedSources:        1,
		OutboundInterfaceNames: []string{iface},
		DiscoveryPort:          discoveryPort,
	})

	output := steps.NewOutputStep(steps.OutputConfig{
		Name:          "source",
		TargetNames:   []string{"sink"},
		DiscoveryPort: discoveryPort,
	})

	inputErrCh := make(chan error, 1)
	go func() { inputErrCh <- input.Awaken(ctx) }()

	require.NoError(t, output.Awaken(ctx))
	require.NoError(t, <-inputErrCh)

	defer input.End()
	defer output.End()

	require.NoError(t, output.Send([]byte("first")))
	require.NoError(t, output.Send([]byte("second")))

	got, err := input.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got["source"])

	got, err = input.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got["source"])
}

func TestOutputStepFailsWhenTargetCountMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	output := steps.NewOutputStep(steps.OutputConfig{
		Name:          "source",
		TargetNames:   []string{"nobody-is-advertising-this"},
		DiscoveryPort: 35002,
	})

	err := output.Awaken(ctx)
	require.Error(t, err)
}
