package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// EventType names a pool lifecycle event
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventProgress  EventType = "progress"
	EventStalled   EventType = "stalled"
	EventError     EventType = "error"
)

// Event is delivered to listeners registered with Pool.On
type Event struct {
	Type      EventType
	Queue     string
	JobID     string
	Job       *jobs.Job // nil for stalled and error events
	Result    any       // completed
	Progress  any       // progress
	Err       error     // failed and error
	WillRetry bool      // failed
}

// Listener observes pool events. Listeners run on the goroutine that
// produced the event and must not block.
type Listener func(Event)

type emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	logger    *zap.Logger
}

func newEmitter(logger *zap.Logger) *emitter {
	return &emitter{
		listeners: make(map[EventType][]Listener),
		logger:    logger,
	}
}

func (e *emitter) on(t EventType, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[t] = append(e.listeners[t], l)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	ls := e.listeners[ev.Type]
	e.mu.RUnlock()

	for _, l := range ls {
		e.call(l, ev)
	}
}

func (e *emitter) call(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event listener panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	l(ev)
}
