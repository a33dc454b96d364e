package backend

import (
	"context"
	"sync"
)

// Handle is the caller's view of a running task.
type Handle interface {
	// TaskID identifies the running task.
	TaskID() string

	// Events returns the task's output stream. The channel is closed
	// after the final complete event; consumers must drain it until
	// closed.
	Events() <-chan OutputEvent

	// Cancel requests cooperative cancellation. The reason surfaces in
	// the cancelled result's summary.
	Cancel(reason string)

	// Result blocks until the task finishes or ctx expires.
	Result(ctx context.Context) (*Result, error)
}

// StreamHandle is the Handle implementation shared by streaming
// backends. The producing goroutine emits events and finishes exactly
// once; the consumer drains Events until closed.
type StreamHandle struct {
	taskID string
	cancel context.CancelCauseFunc
	events chan OutputEvent
	done   chan struct{}
	once   sync.Once
	result *Result
}

// NewStreamHandle builds a handle whose Cancel propagates through the
// given cancel function.
func NewStreamHandle(taskID string, buffer int, cancel context.CancelCauseFunc) *StreamHandle {
	if buffer <= 0 {
		buffer = 64
	}
	return &StreamHandle{
		taskID: taskID,
		cancel: cancel,
		events: make(chan OutputEvent, buffer),
		done:   make(chan struct{}),
	}
}

// TaskID implements Handle.
func (h *StreamHandle) TaskID() string {
	return h.taskID
}

// Events implements Handle.
func (h *StreamHandle) Events() <-chan OutputEvent {
	return h.events
}

// Cancel implements Handle.
func (h *StreamHandle) Cancel(reason string) {
	h.cancel(&CancelledError{Reason: reason})
}

// Result implements Handle.
func (h *StreamHandle) Result(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit queues an intermediate event. Returns false when ctx ended
// before the event could be queued; intermediate events may be dropped
// on cancellation, the final result may not.
func (h *StreamHandle) Emit(ctx context.Context, ev OutputEvent) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish publishes the final result, emits the terminal complete event,
// and closes the stream. Only the first call has any effect. The
// terminal event must land even when the consumer stopped draining, so
// a full buffer sheds its oldest intermediate events to make room
// rather than blocking the producer forever.
func (h *StreamHandle) Finish(result *Result) {
	h.once.Do(func() {
		h.result = result
		close(h.done)
		complete := NewCompleteEvent(result)
		for {
			select {
			case h.events <- complete:
				close(h.events)
				return
			default:
			}
			select {
			case <-h.events:
			default:
			}
		}
	})
}
