package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/telemetry"
)

// BroadcastInterval is the UDP advertisement cadence (spec.md §5).
const BroadcastInterval = 250 * time.Millisecond

// handshakeReadLimit bounds the finder self-description read on the
// handshake connection.
const handshakeReadLimit = 4096

// handshakeResult is one completed (or failed) TCP handshake with a
// finder, reported back to Run.
type handshakeResult struct {
	peer core.PeerDescriptor
	err  error
}

// BeaconConfig parameterizes one discovery round run by an input step.
type BeaconConfig struct {
	// Name is this pipeline's advertised name.
	Name string

	// DataListenerURI is the tcp://ip:port URI of the owning input
	// step's already-bound data listener. It is what the beacon hands
	// back to each finder once the handshake completes.
	DataListenerURI string

	// RequiredFinders is the number of unique finders to collect before
	// returning.
	RequiredFinders int

	// OutboundInterfaceNames are the interfaces to broadcast on.
	OutboundInterfaceNames []string

	// DiscoveryPort is the UDP port advertisements are sent to.
	DiscoveryPort int

	Logger telemetry.Logger
}

// Run advertises DataListenerURI's owning pipeline by name and collects
// handshakes from exactly RequiredFinders unique remote finders,
// returning each finder's self-description. It terminates when the
// count is reached, ctx is cancelled, or the broadcaster reports a fatal
// error.
func Run(ctx context.Context, cfg BeaconConfig) ([]core.PeerDescriptor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	logger = logger.WithModule("beacon")

	ifaces, err := viableBroadcastInterfaces(cfg.OutboundInterfaceNames)
	if err != nil {
		return nil, fmt.Errorf("beacon: %w", err)
	}

	senders := make([]*net.UDPConn, 0, len(ifaces))
	defer func() {
		for _, s := range senders {
			s.Close()
		}
	}()
	for _, iface := range ifaces {
		conn, err := listenUDPBroadcast(iface.localIP)
		if err != nil {
			return nil, fmt.Errorf("beacon: bind broadcast sender on %s: %w", iface.name, err)
		}
		senders = append(senders, conn)
	}

	// The announcement acceptor MUST be bound before the first UDP send.
	acceptor, err := net.Listen("tcp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("beacon: bind announcement acceptor: %w", err)
	}
	defer acceptor.Close()
	acceptorPort := acceptor.Addr().(*net.TCPAddr).Port

	beaconCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	broadcastErrCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runBroadcaster(beaconCtx, cfg, ifaces, senders, acceptorPort, logger, broadcastErrCh)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	handshakeCh := make(chan handshakeResult)

	ackPayload := []byte(cfg.DataListenerURI)
	if len(ackPayload) > 1024 {
		return nil, fmt.Errorf("beacon: acknowledgement payload exceeds 1024 bytes")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptHandshakes(beaconCtx, acceptor, ackPayload, handshakeCh)
	}()

	var collected []core.PeerDescriptor

	for len(collected) < cfg.RequiredFinders {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-broadcastErrCh:
			return nil, fmt.Errorf("beacon: broadcaster failed: %w", err)
		case res, ok := <-handshakeCh:
			if !ok {
				return nil, fmt.Errorf("beacon: announcement acceptor closed early")
			}
			if res.err != nil {
				return nil, fmt.Errorf("beacon: handshake failed: %w", res.err)
			}
			collected = append(collected, res.peer)
		}
	}

	logger.Info("discovery complete", telemetry.Int("finders", len(collected)))
	return collected, nil
}

func runBroadcaster(ctx context.Context, cfg BeaconConfig, ifaces []broadcastInterface, senders []*net.UDPConn, acceptorPort int, logger telemetry.Logger, errCh chan<- error) {
	ad := core.BeaconAdvertisement{Name: cfg.Name, ListenerPort: acceptorPort}
	payload, err := json.Marshal(ad)
	if err != nil {
		errCh <- fmt.Errorf("marshal advertisement: %w", err)
		return
	}

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	send := func() {
		for i, iface := range ifaces {
			dst := &net.UDPAddr{IP: iface.broadcast, Port: cfg.DiscoveryPort}
			if _, err := senders[i].WriteToUDP(payload, dst); err != nil {
				logger.Warn("broadcast send failed", telemetry.String("interface", iface.name), telemetry.Err(err))
			}
		}
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func acceptHandshakes(ctx context.Context, acceptor net.Listener, ackPayload []byte, out chan<- handshakeResult) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	go func() {
		<-ctx.Done()
		acceptor.Close()
	}()

	var seenMu sync.Mutex
	seen := make(map[string]bool)

	for {
		conn, err := acceptor.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			out <- handshakeResult{err: fmt.Errorf("accept: %w", err)}
			return
		}

		remote := conn.RemoteAddr().String()
		seenMu.Lock()
		duplicate := seen[remote]
		seen[remote] = true
		seenMu.Unlock()

		if duplicate {
			conn.Close()
			out <- handshakeResult{err: fmt.Errorf("remote endpoint %s connected more than once", remote)}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, handshakeErr := completeHandshake(conn, ackPayload)
			select {
			case out <- handshakeResult{peer: peer, err: handshakeErr}:
			case <-ctx.Done():
			}
		}()
	}
}

func completeHandshake(conn net.Conn, ackPayload []byte) (core.PeerDescriptor, error) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	buf := make([]byte, handshakeReadLimit)
	n, err := conn.Read(buf)
	if err != nil {
		return core.PeerDescriptor{}, fmt.Errorf("read self-description: %w", err)
	}

	var peer core.PeerDescriptor
	if err := json.Unmarshal(buf[:n], &peer); err != nil {
		return core.PeerDescriptor{}, fmt.Errorf("decode self-description: %w", err)
	}

	if _, err := conn.Write(ackPayload); err != nil {
		return core.PeerDescriptor{}, fmt.Errorf("write acknowledgement: %w", err)
	}

	return peer, nil
}
