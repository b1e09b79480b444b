// Package steps holds the five concrete step-role implementations the
// driver dispatches over (spec.md §4.1-§4.6), wiring together wire,
// faninbuf, discovery, scripthost and codec.
package steps

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/discovery"
	"github.com/creastat/meshline/faninbuf"
	"github.com/creastat/meshline/telemetry"
	"github.com/creastat/meshline/wire"
)

// errPollInterval governs how often Receive rechecks for a background
// receiver error while waiting on the fan-in buffer.
const errPollInterval = 5 * time.Millisecond

// InputConfig configures one InputStep.
type InputConfig struct {
	// Name is this pipeline's advertised name.
	Name string

	// InboundInterfaceName is the network interface the data listener
	// binds its IPv4 address to.
	InboundInterfaceName string

	// ExpectedSources is the number of upstream peers discovery must
	// register before the step is considered awake.
	ExpectedSources int

	// OutboundInterfaceNames are the interfaces the beacon broadcasts
	// advertisements on.
	OutboundInterfaceNames []string

	DiscoveryPort int
	Logger        telemetry.Logger
}

// InputStep implements core.InputStep: it discovers its upstream peers,
// binds a data listener, and harvests their messages into a fan-in
// buffer (spec.md §4.2).
type InputStep struct {
	cfg    InputConfig
	logger telemetry.Logger

	listener *net.TCPListener
	buffer   *faninbuf.Buffer

	stopCh      chan struct{}
	doneCh      chan struct{}
	bufferReady chan struct{}

	errMu sync.Mutex
	err   error

	endOnce sync.Once
}

// NewInputStep constructs an InputStep that has not yet been awakened.
func NewInputStep(cfg InputConfig) *InputStep {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &InputStep{
		cfg:         cfg,
		logger:      logger.WithModule("input"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		bufferReady: make(chan struct{}),
	}
}

// Awaken implements spec.md §4.2's awaken protocol. The data listener
// starts accepting connections as soon as it is bound, concurrently with
// discovery, not only once discovery completes (spec.md §4.2 step 1).
func (s *InputStep) Awaken(ctx context.Context) error {
	ip, err := discovery.ResolveIPv4(s.cfg.InboundInterfaceName)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}

	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: ip, Port: 0})
	if err != nil {
		return fmt.Errorf("input: bind data listener: %w", err)
	}
	s.listener = listener

	go s.receiveLoop()

	port := listener.Addr().(*net.TCPAddr).Port
	dataURI := fmt.Sprintf("tcp://%s:%d", ip, port)

	peers, err := discovery.Run(ctx, discovery.BeaconConfig{
		Name:                   s.cfg.Name,
		DataListenerURI:        dataURI,
		RequiredFinders:        s.cfg.ExpectedSources,
		OutboundInterfaceNames: s.cfg.OutboundInterfaceNames,
		DiscoveryPort:          s.cfg.DiscoveryPort,
		Logger:                 s.logger,
	})
	if err != nil {
		close(s.stopCh)
		listener.Close()
		<-s.doneCh
		return fmt.Errorf("input: discovery: %w", err)
	}

	s.buffer = faninbuf.New(peers)
	close(s.bufferReady)

	s.logger.Info("input step awake",
		telemetry.String("data_listener", dataURI),
		telemetry.Int("sources", len(peers)))

	return nil
}

// receiveLoop accepts connections from discovered peers for the
// remainder of the step's life and forwards every message it reads
// into the fan-in buffer (spec.md §4.2 step 4). It runs from the moment
// the listener is bound, before discovery necessarily finishes, so
// connections dialed early are still accepted rather than refused.
func (s *InputStep) receiveLoop() {
	defer close(s.doneCh)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.setErr(fmt.Errorf("input: accept: %w", err))
			return
		}
		go s.drainConnection(conn)
	}
}

func (s *InputStep) drainConnection(conn net.Conn) {
	defer conn.Close()
	r := wire.NewReader(conn)

	// The fan-in buffer isn't built until discovery resolves the full
	// peer set; a connection accepted before then still waits here
	// rather than being dropped.
	select {
	case <-s.bufferReady:
	case <-s.stopCh:
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		guid, payload, err := wire.ReadMessage(r)
		if err != nil {
			return
		}
		s.buffer.Enqueue(guid, payload)
	}
}

func (s *InputStep) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *InputStep) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Receive implements core.InputStep.Receive: it blocks until every
// source has a message queued, surfacing any fatal error captured by
// the background receiver.
func (s *InputStep) Receive(ctx context.Context) (map[string][]byte, error) {
	type result struct {
		m   map[string][]byte
		err error
	}

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		m, err := s.buffer.Receive(recvCtx)
		done <- result{m, err}
	}()

	for {
		select {
		case res := <-done:
			return res.m, res.err
		case <-time.After(errPollInterval):
			if err := s.getErr(); err != nil {
				cancel()
				<-done
				return nil, err
			}
		}
	}
}

// End implements spec.md §4.2's end contract: best-effort, idempotent,
// never returns an error.
func (s *InputStep) End() error {
	s.endOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		select {
		case <-s.doneCh:
		case <-time.After(3 * time.Second):
			s.logger.Warn("background receiver join timed out")
		}
	})
	return nil
}
