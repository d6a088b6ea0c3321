package streampipe

import (
	"context"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
)

// Pump drains events into pipe until events closes, then consults
// outcome for the cascade's final verdict and synthesizes a terminal
// failure item if it reports one. If an Enqueue blocks past its timeout
// or the client disconnects, Pump calls cancelUpstream so the reader task
// stops within one outstanding read, drains whatever is left on events to
// avoid leaking the producer goroutine, and synthesizes its own terminal
// failure before closing the pipe.
//
// Pump runs on its own goroutine, separate from the upstream reader that
// sends on events; callers run it with `go streampipe.Pump(...)`.
func Pump(ctx context.Context, pipe *Pipe, cancelUpstream context.CancelFunc, events <-chan protocol.ParsedEvent, outcome <-chan *domain.APIError) {
	for ev := range events {
		if err := pipe.Enqueue(ctx, ev); err != nil {
			cancelUpstream()
			drain(events)
			pipe.EnqueueFailure(abortError(err))
			return
		}
	}

	if apiErr := <-outcome; apiErr != nil {
		pipe.EnqueueFailure(apiErr)
		return
	}
	pipe.Close()
}

// drain discards whatever the upstream reader still sends after it has
// been cancelled, so that goroutine's send on events never blocks
// forever waiting for a reader that has stopped listening.
func drain(events <-chan protocol.ParsedEvent) {
	for range events {
	}
}

func abortError(cause error) *domain.APIError {
	if cause == context.Canceled || cause == context.DeadlineExceeded {
		return domain.ErrCancellation("client disconnected while stream was backpressured")
	}
	return domain.ErrTimeout("stream backpressure: client fell too far behind upstream").WithCause(cause)
}
