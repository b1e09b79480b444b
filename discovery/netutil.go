package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// broadcastInterface is one outbound network interface viable for UDP
// broadcast: it is up, not a loopback, and carries an IPv4 address.
type broadcastInterface struct {
	name      string
	localIP   net.IP
	broadcast net.IP
}

// ResolveIPv4 returns the first IPv4 address bound to the named
// interface. Input steps use it to pick the address their data
// listener binds to (spec.md §4.2 step 1).
func ResolveIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("addrs for interface %q: %w", name, err)
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}

	return nil, fmt.Errorf("interface %q has no IPv4 address", name)
}

// viableBroadcastInterfaces resolves the named interfaces to their
// directed broadcast address (ipv4 | ~subnet_mask), skipping interfaces
// that are down or loopback-only.
func viableBroadcastInterfaces(names []string) ([]broadcastInterface, error) {
	var out []broadcastInterface

	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", name, err)
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("addrs for interface %q: %w", name, err)
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipNet.Mask[i]
			}
			out = append(out, broadcastInterface{name: name, localIP: ip4, broadcast: bcast})
			break
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no viable outbound broadcast interface among %v", names)
	}

	return out, nil
}

// listenUDPBroadcast binds a UDP socket to the given local IP with
// SO_BROADCAST enabled, so sends to a directed broadcast address succeed.
func listenUDPBroadcast(ip net.IP) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("listen udp on %s: %w", ip, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("control broadcast socket: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, fmt.Errorf("set SO_BROADCAST: %w", sockErr)
	}

	return conn, nil
}

// listenUDPReusable binds a UDP socket with SO_REUSEADDR/SO_REUSEPORT so
// multiple finder processes on one host can share the discovery port.
func listenUDPReusable(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen udp on port %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}
