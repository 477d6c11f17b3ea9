package orchestrator

import "context"

// eventBufferSize bounds how far a slow consumer can lag behind event
// production before runTurn blocks on a send — generous enough that normal
// streaming never backs up, small enough that a stuck consumer still
// applies backpressure instead of growing memory unbounded.
const eventBufferSize = 256

// TurnHandle is returned by Init and exposes the running turn's event
// stream plus cooperative cancellation.
type TurnHandle struct {
	events chan OrchestrationEvent
	cancel context.CancelFunc
}

// Events returns the channel of events for this turn. It is closed after a
// TurnEnded event has been delivered.
func (h *TurnHandle) Events() <-chan OrchestrationEvent {
	return h.events
}

// Cancel requests cooperative cancellation of the turn. The turn observes
// this at its defined suspension points (before a request, mid-stream,
// before/after a tool batch) and ends with TurnEnded{Reason: Cancelled}. It
// is safe to call Cancel more than once or after the turn has ended.
func (h *TurnHandle) Cancel() {
	h.cancel()
}

func newTurnHandle(cancel context.CancelFunc) *TurnHandle {
	return &TurnHandle{
		events: make(chan OrchestrationEvent, eventBufferSize),
		cancel: cancel,
	}
}

func (h *TurnHandle) emit(evt OrchestrationEvent) {
	h.events <- evt
}
