package collection

import (
	"sync"
)

// in-process `Capabilities`.
// events are keyed by (scope, name) and delivered on the scheduler
type EventBus struct {
	scheduler Scheduler

	stateLock sync.Mutex
	streams   map[eventKey]*Stream[any]
}

// comparable
type eventKey struct {
	scope string
	name  string
}

func NewEventBus(scheduler Scheduler) *EventBus {
	return &EventBus{
		scheduler: scheduler,
		streams:   map[eventKey]*Stream[any]{},
	}
}

func (self *EventBus) stream(scope string, name string) *Stream[any] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := eventKey{scope: scope, name: name}
	stream, ok := self.streams[key]
	if !ok {
		stream = NewStream[any]()
		self.streams[key] = stream
	}
	return stream
}

// delivers `value` to the entity scoped `scope` listening on `name`
func (self *EventBus) Emit(scope string, name string, value any) {
	stream := self.stream(scope, name)
	self.scheduler.Post(func() {
		stream.Next(value)
	})
}

func (self *EventBus) Scoped(scope string) EventSource {
	return &scopedEventSource{
		bus:   self,
		scope: scope,
	}
}

type scopedEventSource struct {
	bus   *EventBus
	scope string
}

func (self *scopedEventSource) Events(name string) *Stream[any] {
	return self.bus.stream(self.scope, name)
}
