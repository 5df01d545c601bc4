package util

import (
	"sync"
)

// Event is a one-shot signal. Notify may be called any number of times from
// any goroutine; only the first call has an effect.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

func (e *Event) Notify() {
	e.once.Do(func() { close(e.c) })
}

// Done is closed once the event has been notified.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

