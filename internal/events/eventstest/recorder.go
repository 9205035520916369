// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"

	"github.com/atmx/binary-engine/internal/events"
)

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan events.Event
}

// NewRecorder buffers up to size events; later ones are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan events.Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e events.Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
