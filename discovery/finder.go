package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/telemetry"
)

// finderReadLimit bounds the acknowledgement read on a completed
// handshake connection (spec.md §4.5: the ack payload is a data
// listener URI, capped at 1024 bytes).
const finderReadLimit = 1024

// FinderConfig parameterizes one discovery round run by an output step
// looking for its downstream targets by name.
type FinderConfig struct {
	// Self is this pipeline's self-description, written to every
	// matched beacon during the handshake.
	Self core.PeerDescriptor

	// TargetNames are the pipeline names to find, in the order they
	// must be discovered. A name may repeat if multiple connections to
	// the same pipeline name are wanted.
	TargetNames []string

	// DiscoveryPort is the UDP port advertisements are read from.
	DiscoveryPort int

	Logger telemetry.Logger
}

// FoundPeer is one completed handshake: the resolved peer name and the
// data listener URI its beacon handed back.
type FoundPeer struct {
	Name        string
	ListenerURI string
}

// Find listens for UDP beacon advertisements and, for each name in
// cfg.TargetNames (in order), completes a TCP handshake with the first
// matching advertisement seen. It returns as many FoundPeer results as
// it completed before ctx was cancelled; a cancelled ctx returns the
// partial result alongside ctx.Err().
func Find(ctx context.Context, cfg FinderConfig) ([]FoundPeer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	logger = logger.WithModule("finder")

	conn, err := listenUDPReusable(cfg.DiscoveryPort)
	if err != nil {
		return nil, fmt.Errorf("finder: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	selfPayload, err := json.Marshal(cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("finder: marshal self-description: %w", err)
	}

	var found []FoundPeer

	for _, target := range cfg.TargetNames {
		peer, err := findOne(ctx, conn, target, selfPayload)
		if err != nil {
			return found, err
		}
		found = append(found, peer)
		logger.Info("matched pipeline", telemetry.String("name", target), telemetry.String("listener", peer.ListenerURI))
	}

	return found, nil
}

// findOne reads advertisements off conn until one named target is
// seen, then completes the handshake with its source.
func findOne(ctx context.Context, conn *net.UDPConn, target string, selfPayload []byte) (FoundPeer, error) {
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return FoundPeer{}, ctx.Err()
		default:
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return FoundPeer{}, ctx.Err()
			default:
			}
			return FoundPeer{}, fmt.Errorf("finder: read advertisement: %w", err)
		}

		var ad core.BeaconAdvertisement
		if err := json.Unmarshal(buf[:n], &ad); err != nil {
			continue
		}
		if ad.Name != target {
			continue
		}

		uri, err := completeFinderHandshake(src.IP, ad.ListenerPort, selfPayload)
		if err != nil {
			continue
		}

		return FoundPeer{Name: target, ListenerURI: uri}, nil
	}
}

// completeFinderHandshake dials the beacon's announcement acceptor,
// writes the finder's self-description, and reads back the data
// listener URI.
func completeFinderHandshake(ip net.IP, port int, selfPayload []byte) (string, error) {
	addr := &net.TCPAddr{IP: ip, Port: port}
	conn, err := net.DialTCP("tcp4", nil, addr)
	if err != nil {
		return "", fmt.Errorf("dial announcement acceptor: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write(selfPayload); err != nil {
		return "", fmt.Errorf("write self-description: %w", err)
	}

	buf := make([]byte, finderReadLimit)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read acknowledgement: %w", err)
	}

	return string(buf[:n]), nil
}
