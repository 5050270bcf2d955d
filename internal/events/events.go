package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	JobAdded             Type = "jobAdded"
	JobStatusChanged     Type = "jobStatusChanged"
	JobProgress          Type = "jobProgress"
	JobCompleted         Type = "jobCompleted"
	JobFailed            Type = "jobFailed"
	JobCancelled         Type = "jobCancelled"
	JobRetried           Type = "jobRetried"
	PrinterRegistered    Type = "printerRegistered"
	PrinterStatusUpdated Type = "printerStatusUpdated"
	PrinterTimeout       Type = "printerTimeout"
	Shutdown             Type = "shutdown"
)

// All lists every event type in a stable order.
var All = []Type{
	JobAdded, JobStatusChanged, JobProgress, JobCompleted, JobFailed, JobCancelled,
	JobRetried, PrinterRegistered, PrinterStatusUpdated, PrinterTimeout, Shutdown,
}

type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	PrinterID string    `json:"printer_id,omitempty"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type nop struct{}

func (nop) Publish(Event) {}

// Nop discards every event.
var Nop Publisher = nop{}

type subscription struct {
	ch    chan Event
	types map[Type]bool
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; Publish never waits.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	closed  bool
	dropped atomic.Int64
	log     zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		log:  log.With().Str("component", "events").Logger(),
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, s := range b.subs {
		if len(s.types) > 0 && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.log.Debug().Int("subscriber", id).Str("event", string(e.Type)).Msg("subscriber full, event dropped")
		}
	}
}

// Subscribe returns a channel receiving the given event types (all when
// none are given) and a function that cancels the subscription.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
