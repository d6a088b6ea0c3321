package streampipe

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
)

func TestEnqueue_CoalescesTextDeltasWhenFull(t *testing.T) {
	p := NewPipe(1, 50*time.Millisecond)
	ctx := context.Background()

	if err := p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "b"}); err != nil {
		t.Fatalf("coalescing enqueue: %v", err)
	}

	item, ok := p.Dequeue(ctx)
	if !ok {
		t.Fatal("expected an item")
	}
	if item.Event.TextDelta != "ab" {
		t.Errorf("TextDelta = %q, want %q", item.Event.TextDelta, "ab")
	}
	if p.BackpressureCount() != 1 {
		t.Errorf("BackpressureCount = %d, want 1", p.BackpressureCount())
	}
}

func TestEnqueue_NeverCoalescesLifecycleEvents(t *testing.T) {
	p := NewPipe(1, 30*time.Millisecond)
	ctx := context.Background()

	if err := p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventUsage, Usage: &domain.Usage{InputTokens: 1}})
	}()

	select {
	case err := <-done:
		t.Fatalf("lifecycle enqueue returned early with err=%v; it must block rather than coalesce", err)
	case <-time.After(10 * time.Millisecond):
	}

	if _, ok := p.Dequeue(ctx); !ok {
		t.Fatal("expected to dequeue the text delta")
	}

	if err := <-done; err != nil {
		t.Fatalf("lifecycle enqueue after drain: %v", err)
	}
}

func TestEnqueue_TimesOutWhenQueueStaysFull(t *testing.T) {
	p := NewPipe(1, 10*time.Millisecond)
	ctx := context.Background()

	if err := p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventUsage}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventUsage})
	if err != ErrEnqueueTimeout {
		t.Errorf("err = %v, want ErrEnqueueTimeout", err)
	}
}

func TestEnqueueFailure_IsDeliveredAfterQueuedItems(t *testing.T) {
	p := NewPipe(4, time.Second)
	ctx := context.Background()

	_ = p.Enqueue(ctx, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "hi"})
	p.EnqueueFailure(domain.ErrTimeout("backpressure"))

	item, ok := p.Dequeue(ctx)
	if !ok || item.Event.TextDelta != "hi" {
		t.Fatalf("expected the queued text delta first, got %+v ok=%v", item, ok)
	}

	item, ok = p.Dequeue(ctx)
	if !ok || item.Err == nil {
		t.Fatalf("expected the failure item, got %+v ok=%v", item, ok)
	}

	if _, ok = p.Dequeue(ctx); ok {
		t.Error("expected pipe to be drained and closed")
	}
}

func TestDequeue_UnblocksOnContextCancel(t *testing.T) {
	p := NewPipe(4, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := p.Dequeue(ctx); ok {
		t.Error("expected Dequeue to return immediately on a cancelled context")
	}
}
