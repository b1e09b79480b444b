// Package faninbuf implements the per-source FIFO queues and readiness
// cache that gate multi-source input iterations (spec.md §4.2, §9
// "Fan-in ready flags").
package faninbuf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/meshline/core"
)

// pollInterval is how often Receive rechecks the ready-flag cache while
// waiting for all sources to have a message queued. Sub-millisecond
// local latency is the measured target (spec.md §4.2); 1ms keeps the
// poll loop from becoming a hot spin.
const pollInterval = time.Millisecond

// sourceQueue is one upstream peer's private FIFO of undelivered
// payloads, guarded by its own lock so contention on one source never
// blocks another.
type sourceQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *sourceQueue) push(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, payload)
}

func (q *sourceQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *sourceQueue) nonEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Buffer is the fixed-at-construction set of per-source queues for one
// input step, plus the display-name disambiguation and the ready-flag
// cache described in spec.md §3.
type Buffer struct {
	// order is the disambiguated display-name ordering, fixed forever.
	order []string

	// guidOf maps a display name back to the owning peer's GUID.
	guidOf map[string]core.ConnectionGUID

	queues map[core.ConnectionGUID]*sourceQueue

	readyMu sync.Mutex
	ready   map[core.ConnectionGUID]bool
}

// New builds a Buffer over the given peers, in the order supplied.
// Display names are disambiguated per spec.md invariant 4: the i-th
// occurrence (i>1) of a repeated name n becomes "n (i-1)".
func New(peers []core.PeerDescriptor) *Buffer {
	b := &Buffer{
		guidOf: make(map[string]core.ConnectionGUID, len(peers)),
		queues: make(map[core.ConnectionGUID]*sourceQueue, len(peers)),
		ready:  make(map[core.ConnectionGUID]bool, len(peers)),
	}

	seen := make(map[string]int, len(peers))
	for _, p := range peers {
		guid, err := core.ParseConnectionGUID(p.Guid)
		if err != nil {
			// Construction is given already-validated descriptors by the
			// input step; a bad GUID here is a programming error.
			panic(fmt.Sprintf("faninbuf: invalid peer guid %q: %v", p.Guid, err))
		}

		count := seen[p.Name]
		seen[p.Name] = count + 1

		displayName := p.Name
		if count > 0 {
			displayName = fmt.Sprintf("%s (%d)", p.Name, count)
		}

		b.order = append(b.order, displayName)
		b.guidOf[displayName] = guid
		b.queues[guid] = &sourceQueue{}
		b.ready[guid] = false
	}

	return b
}

// DisplayNames returns the fixed, disambiguated ordering established at
// construction.
func (b *Buffer) DisplayNames() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Enqueue appends payload to the queue owned by guid and marks it ready.
// Unknown GUIDs are dropped: the queue set is fixed at construction.
func (b *Buffer) Enqueue(guid core.ConnectionGUID, payload []byte) {
	q, ok := b.queues[guid]
	if !ok {
		return
	}
	q.push(payload)

	b.readyMu.Lock()
	b.ready[guid] = true
	b.readyMu.Unlock()
}

// Receive blocks until every source has at least one message queued (or
// ctx is cancelled), then dequeues exactly one message per source and
// returns the disambiguated-name → payload map.
func (b *Buffer) Receive(ctx context.Context) (map[string][]byte, error) {
	for {
		for !b.allReady() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
		}

		out, complete := b.drainOneEach()
		if complete {
			return out, nil
		}
		// A racing Enqueue hadn't landed yet despite the ready flag;
		// spec.md §9 permits this transient miss. Go back around.
	}
}

// drainOneEach pops exactly one message from every source's queue. It
// returns complete=false, with whatever it already popped discarded, if
// any source's queue turned out empty despite its ready flag.
func (b *Buffer) drainOneEach() (map[string][]byte, bool) {
	out := make(map[string][]byte, len(b.order))
	for _, name := range b.order {
		guid := b.guidOf[name]
		payload, ok := b.queues[guid].pop()
		if !ok {
			return nil, false
		}
		out[name] = payload

		b.readyMu.Lock()
		if !b.queues[guid].nonEmpty() {
			b.ready[guid] = false
		}
		b.readyMu.Unlock()
	}
	return out, true
}

// allReady is the driver-thread-local cache read: a read that observes
// false when a queue has just become non-empty is acceptable, since the
// caller rechecks every poll tick (spec.md §9).
func (b *Buffer) allReady() bool {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	for _, ready := range b.ready {
		if !ready {
			return false
		}
	}
	return true
}
