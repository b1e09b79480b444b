package discovery_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackInterfaceName picks an up, non-loopback IPv4 interface to
// drive the beacon/finder pair over. CI and dev sandboxes alike
// typically expose at least one such interface (docker0, eth0, ens*).
func loopbackInterfaceName(t *testing.T) string {
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
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.To4() != nil {
				return iface.Name
			}
		}
	}

	t.Skip("no viable non-loopback IPv4 interface available")
	return ""
}

func TestBeaconAndFinderCompleteHandshake(t *testing.T) {
	iface := loopbackInterfaceName(t)

	discoveryPort := 34567

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	beaconDone := make(chan struct {
		peers []core.PeerDescriptor
		err   error
	}, 1)

	go func() {
		peers, err := discovery.Run(ctx, discovery.BeaconConfig{
			Name:                   "upstream",
			DataListenerURI:        "tcp://10.0.0.1:9000",
			RequiredFinders:        1,
			OutboundInterfaceNames: []string{iface},
			DiscoveryPort:          discoveryPort,
		})
		beaconDone <- struct {
			peers []core.PeerDescriptor
			err   error
		}{peers, err}
	}()

	found, err := discovery.Find(ctx, discovery.FinderConfig{
		Self:          core.PeerDescriptor{Name: "downstream", Guid: core.NewConnectionGUID().String()},
		TargetNames:   []string{"upstream"},
		DiscoveryPort: discoveryPort,
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "upstream", found[0].Name)
	assert.Equal(t, "tcp://10.0.0.1:9000", found[0].ListenerURI)

	select {
	case res := <-beaconDone:
		require.NoError(t, res.err)
		require.Len(t, res.peers, 1)
		assert.Equal(t, "downstream", res.peers[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("beacon did not complete")
	}
}

func TestFinderRespectsCancellation(t *testing.T) {
	discoveryPort := 34568

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	found, err := discovery.Find(ctx, discovery.FinderConfig{
		Self:          core.PeerDescriptor{Name: "downstream", Guid: core.NewConnectionGUID().String()},
		TargetNames:   []string{"nobody-is-advertising-this"},
		DiscoveryPort: discoveryPort,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, found)
}
