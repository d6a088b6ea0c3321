// Package streampipe implements the bounded queue between an upstream
// stream reader and a client writer: coalescing backpressure relief for
// delta frames, and a forced pass-through for lifecycle frames that must
// never be dropped.
package streampipe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
)

// ErrClosed is returned by Enqueue once the pipe has been closed, either
// normally or by a synthesized terminal failure.
var ErrClosed = errors.New("streampipe: closed")

// ErrEnqueueTimeout is returned by Enqueue when the queue stayed full,
// with no coalescable trailing frame, past the configured timeout.
var ErrEnqueueTimeout = errors.New("streampipe: enqueue timeout, queue full")

// Item is one slot dequeued by the client writer: exactly one of Event or
// Err is populated. A non-nil Err is always the final item delivered.
type Item struct {
	Event protocol.ParsedEvent
	Err   *domain.APIError
}

func isLifecycle(kind protocol.ParsedEventKind) bool {
	switch kind {
	case protocol.EventStart, protocol.EventUsage, protocol.EventFinishReason, protocol.EventTerminal:
		return true
	}
	return false
}

func sameDeltaKind(a, b protocol.ParsedEventKind) bool {
	if a != b {
		return false
	}
	switch a {
	case protocol.EventTextDelta, protocol.EventReasoningDelta, protocol.EventToolCallDelta:
		return true
	default:
		return false
	}
}

// Pipe is a bounded FIFO queue of Items with a coalescing policy applied
// only when the queue is at capacity.
type Pipe struct {
	mu             sync.Mutex
	queue          []Item
	capacity       int
	enqueueTimeout time.Duration
	closed         bool
	notify         chan struct{}

	backpressureCount int64
}

// NewPipe returns a Pipe with the given frame capacity and enqueue
// timeout; both come from ServerConfig (SSE_BUFFER_SIZE and a
// configurable enqueue deadline).
func NewPipe(capacity int, enqueueTimeout time.Duration) *Pipe {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pipe{
		capacity:       capacity,
		enqueueTimeout: enqueueTimeout,
		notify:         make(chan struct{}),
	}
}

// signal wakes every current waiter; callers must hold mu.
func (p *Pipe) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// BackpressureCount returns the number of times Enqueue observed a full
// queue, whether or not it was able to coalesce.
func (p *Pipe) BackpressureCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backpressureCount
}

// Enqueue adds ev to the queue. If the queue is full, it first tries to
// coalesce ev into the trailing queued item (same delta kind, same tool
// index for tool-call deltas); if that isn't possible it blocks until
// space frees up, ctx is cancelled, or enqueueTimeout elapses.
func (p *Pipe) Enqueue(ctx context.Context, ev protocol.ParsedEvent) error {
	deadline := time.Now().Add(p.enqueueTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if len(p.queue) < p.capacity {
			p.queue = append(p.queue, Item{Event: ev})
			p.signal()
			p.mu.Unlock()
			return nil
		}

		p.backpressureCount++
		if !isLifecycle(ev.Kind) && p.coalesceLocked(ev) {
			p.signal()
			p.mu.Unlock()
			return nil
		}
		ch := p.notify
		p.mu.Unlock()

		if err := waitOrTimeout(ctx, ch, deadline); err != nil {
			return err
		}
	}
}

// coalesceLocked merges ev into the trailing queued item when it is the
// same delta kind (and, for tool calls, the same tool index). Caller must
// hold mu. Returns false if no trailing item qualifies.
func (p *Pipe) coalesceLocked(ev protocol.ParsedEvent) bool {
	if len(p.queue) == 0 {
		return false
	}
	tail := &p.queue[len(p.queue)-1]
	if tail.Err != nil || !sameDeltaKind(tail.Event.Kind, ev.Kind) {
		return false
	}
	switch ev.Kind {
	case protocol.EventTextDelta:
		tail.Event.TextDelta += ev.TextDelta
		return true
	case protocol.EventReasoningDelta:
		tail.Event.ReasoningDelta += ev.ReasoningDelta
		return true
	case protocol.EventToolCallDelta:
		if tail.Event.ToolCall == nil || ev.ToolCall == nil || tail.Event.ToolCall.Index != ev.ToolCall.Index {
			return false
		}
		tail.Event.ToolCall.ArgumentsDelta += ev.ToolCall.ArgumentsDelta
		return true
	default:
		return false
	}
}

// EnqueueFailure force-appends a terminal failure item, bypassing the
// capacity check (it is always the pipe's last item), and closes the
// pipe to further normal Enqueue calls. Safe to call at most meaningfully
// once; later calls are no-ops once the pipe is already closed.
func (p *Pipe) EnqueueFailure(apiErr *domain.APIError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, Item{Err: apiErr})
	p.closed = true
	p.signal()
}

// Close marks the pipe closed to further Enqueue calls; Dequeue continues
// to return already-queued items before reporting end-of-stream.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.signal()
}

// Dequeue returns the next item in FIFO order, blocking until one is
// available, the pipe is closed with an empty queue, or ctx is done.
func (p *Pipe) Dequeue(ctx context.Context) (Item, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			item := p.queue[0]
			p.queue = p.queue[1:]
			p.signal()
			p.mu.Unlock()
			return item, true
		}
		if p.closed {
			p.mu.Unlock()
			return Item{}, false
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

// waitOrTimeout blocks until ch is signalled, ctx is done, or deadline
// passes, translating the latter two into ctx.Err()/ErrEnqueueTimeout.
func waitOrTimeout(ctx context.Context, ch <-chan struct{}, deadline time.Time) error {
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return ErrEnqueueTimeout
	}
}
