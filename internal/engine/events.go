package engine

import "sync"

type EventType string

const (
	EventTransportClosed  EventType = "transportclose"
	EventDtlsStateChanged EventType = "dtlsstatechange"
	EventProducerClosed   EventType = "producerclose"
	EventWorkerDied       EventType = "died"
)

const (
	DtlsStateConnecting = "connecting"
	DtlsStateConnected  = "connected"
	DtlsStateFailed     = "failed"
	DtlsStateClosed     = "closed"
)

// Event is a notification raised by the engine itself, not by a client.
// Only the fields relevant to Type are set.
type Event struct {
	Type        EventType
	TransportID string
	ProducerID  string
	DtlsState   string
	Err         error
}

// EventQueue is an unbounded FIFO in front of a channel, so engine callbacks
// never block on a slow consumer.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

func NewEventQueue() *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *EventQueue) Push(ev Event) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// C is closed after Close once the pump exits.
func (q *EventQueue) C() <-chan Event { return q.out }

func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
