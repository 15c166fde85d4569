package orchestrator

import (
	"sync/atomic"
	"time"
)

// eventEmitter delivers orchestrator events to a subscriber without letting
// a slow consumer stall the run loop. A full channel is given a short grace
// period, then the event is dropped and counted.
type eventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

func newEventEmitter(bufferSize int) *eventEmitter {
	return &eventEmitter{events: make(chan Event, bufferSize)}
}

// emit sends an event, stamping it with the current time.
func (e *eventEmitter) emit(event Event) {
	event.At = time.Now()

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		e.droppedCount.Add(1)
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *eventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

func (e *eventEmitter) close() {
	close(e.events)
}
