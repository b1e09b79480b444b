package steps

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/discovery"
	"github.com/creastat/meshline/telemetry"
	"github.com/creastat/meshline/wire"
)

// byteQueue is an unbounded, single-producer/single-consumer FIFO of
// outbound payloads, closable from the producer side. It builds on the
// mutex-guarded slice faninbuf.sourceQueue uses for the equivalent
// inbound side, adding a condition variable so pop can block.
type byteQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newByteQueue() *byteQueue {
	q := &byteQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *byteQueue) push(item []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

func (q *byteQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *byteQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// OutputConfig configures one OutputStep.
type OutputConfig struct {
	// Name is this pipeline's advertised name, sent as part of the
	// finder's self-description during the handshake.
	Name string

	// TargetNames are the downstream pipeline names to find, in the
	// order they must be discovered.
	TargetNames []string

	DiscoveryPort int
	Logger        telemetry.Logger
}

// OutputStep implements core.OutputStep: it discovers its downstream
// targets, opens a connection to each, and fans every serialized
// payload out to all of them (spec.md §4.3).
type OutputStep struct {
	cfg    OutputConfig
	logger telemetry.Logger

	guid  core.ConnectionGUID
	conns []net.Conn
	queue *byteQueue

	stopCh chan struct{}
	doneCh chan struct{}

	errMu sync.Mutex
	err   error

	endOnce sync.Once
}

// NewOutputStep constructs an OutputStep that has not yet been
// awakened.
func NewOutputStep(cfg OutputConfig) *OutputStep {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &OutputStep{cfg: cfg, logger: logger.WithModule("output")}
}

// Awaken implements spec.md §4.3's awaken protocol.
func (s *OutputStep) Awaken(ctx context.Context) error {
	s.guid = core.NewConnectionGUID()

	found, err := discovery.Find(ctx, discovery.FinderConfig{
		Self:          core.PeerDescriptor{Name: s.cfg.Name, Guid: s.guid.String()},
		TargetNames:   s.cfg.TargetNames,
		DiscoveryPort: s.cfg.DiscoveryPort,
		Logger:        s.logger,
	})
	if err != nil {
		return fmt.Errorf("output: discovery: %w", err)
	}
	if len(found) != len(s.cfg.TargetNames) {
		return fmt.Errorf("output: expected %d targets, found %d", len(s.cfg.TargetNames), len(found))
	}

	conns := make([]net.Conn, 0, len(found))
	for _, peer := range found {
		addr := strings.TrimPrefix(peer.ListenerURI, "tcp://")
		conn, err := net.Dial("tcp4", addr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return fmt.Errorf("output: dial %s (%s): %w", peer.Name, addr, err)
		}
		conns = append(conns, conn)
	}
	s.conns = conns

	s.queue = newByteQueue()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.senderLoop()

	s.logger.Info("output step awake", telemetry.Int("targets", len(conns)))
	return nil
}

func (s *OutputStep) senderLoop() {
	defer close(s.doneCh)

	for {
		payload, ok := s.queue.pop()
		if !ok {
			return
		}
		for _, c := range s.conns {
			if err := wire.WriteMessage(c, s.guid, payload); err != nil {
				s.setErr(fmt.Errorf("output: send: %w", err))
			}
		}
	}
}

func (s *OutputStep) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *OutputStep) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send implements core.OutputStep.Send: it enqueues payload and
// returns immediately. A nil payload is silently dropped.
func (s *OutputStep) Send(payload []byte) error {
	if payload == nil {
		return nil
	}
	if err := s.getErr(); err != nil {
		return err
	}
	s.queue.push(payload)
	return nil
}

// End implements spec.md §4.3's end contract: best-effort, idempotent,
// never returns an error.
func (s *OutputStep) End() error {
	s.endOnce.Do(func() {
		if s.queue != nil {
			s.queue.close()
		}
		if s.stopCh != nil {
			close(s.stopCh)
		}
		if s.doneCh != nil {
			select {
			case <-s.doneCh:
			case <-time.After(10 * time.Second):
				s.logger.Warn("background sender join timed out")
			}
		}
		for _, c := range s.conns {
			if err := c.Close(); err != nil {
				s.logger.Warn("close connection failed", telemetry.Err(err))
			}
		}
	})
	return nil
}
