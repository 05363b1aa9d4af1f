package broadcast

import (
	"sync"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id     uint64
	out    chan models.StateChangeEvent
	remove func(uint64)

	mu      sync.Mutex
	buf     []models.StateChangeEvent // ring buffer
	head    int
	size    int
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSubscription(id uint64, capacity int, remove func(uint64)) *Subscription {
	s := &Subscription{
		id:      id,
		out:     make(chan models.StateChangeEvent),
		remove:  remove,
		buf:     make([]models.StateChangeEvent, capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.pump()
	return s
}

// ID returns the subscriber id.
func (s *Subscription) ID() uint64 { return s.id }

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan models.StateChangeEvent { return s.out }

// Close unsubscribes and stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.remove(s.id)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		<-s.stopped
	})
}

// enqueue appends ev, dropping the oldest buffered event when full.
// It reports whether an event was dropped.
func (s *Subscription) enqueue(ev models.StateChangeEvent) (dropped bool) {
	s.mu.Lock()
	capacity := len(s.buf)
	if s.size == capacity {
		lost := s.buf[s.head]
		s.head = (s.head + 1) % capacity
		s.size--
		dropped = true
		carried := lost.Gap + 1
		if s.size > 0 {
			s.buf[s.head].Gap += carried
		} else {
			ev.Gap += carried
		}
	}
	s.buf[(s.head+s.size)%capacity] = ev
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) dequeue() (models.StateChangeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return models.StateChangeEvent{}, false
	}
	ev := s.buf[s.head]
	s.buf[s.head] = models.StateChangeEvent{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	return ev, true
}

// pump moves buffered events to the delivery channel.
func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.out)
	for {
		ev, ok := s.dequeue()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
