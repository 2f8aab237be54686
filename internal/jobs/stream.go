package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/raphaelgruber/structcap/internal/models"
)

// DefaultBufferSize is how many events a stream keeps for late subscribers.
const DefaultBufferSize = 1000

// DefaultLiveness is the silence after which subscribers receive a ping.
const DefaultLiveness = time.Second

// Stream is the ordered event log of one job. Every subscriber reads the same
// sequence from the log at its own pace; events trimmed from the bounded log are
// lost to subscribers that had not read them yet.
type Stream struct {
	mu        sync.Mutex
	nextSeq   int64
	maxEvents int
	events    []models.Event
	closed    bool
	// notify is closed and replaced on every publish to wake waiting subscribers.
	notify chan struct{}
}

// NewStream creates a stream keeping at most maxEvents events.
func NewStream(maxEvents int) *Stream {
	if maxEvents <= 0 {
		maxEvents = DefaultBufferSize
	}
	return &Stream{
		maxEvents: maxEvents,
		events:    make([]models.Event, 0, min(maxEvents, 64)),
		notify:    make(chan struct{}),
	}
}

// Publish appends one event and assigns its sequence number. Events published
// after a terminal event are dropped. Returns false if the event was dropped.
func (s *Stream) Publish(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.nextSeq++
	ev.Seq = s.nextSeq
	s.events = append(s.events, ev)
	if len(s.events) > s.maxEvents {
		// Reslicing keeps publishes O(1); append reallocates once capacity runs out.
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	if ev.Terminal() {
		s.closed = true
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return true
}

// Closed reports whether a terminal event has been published.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Since returns events with sequence strictly greater than seq.
func (s *Stream) Since(seq int64) []models.Event {
	events, _, _ := s.since(seq)
	return events
}

func (s *Stream) since(seq int64) ([]models.Event, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Event
	for _, ev := range s.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, s.closed, s.notify
}

// Subscribe returns a channel replaying the buffered events and then following
// new ones. A ping is sent whenever liveness passes without an event. The channel
// closes after the terminal event or when ctx is done.
func (s *Stream) Subscribe(ctx context.Context, liveness time.Duration) <-chan models.Event {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	out := make(chan models.Event)

	go func() {
		defer close(out)

		send := func(ev models.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		timer := time.NewTimer(liveness)
		defer timer.Stop()

		var seq int64
		for {
			events, closed, notify := s.since(seq)
			for _, ev := range events {
				if !send(ev) {
					return
				}
				seq = ev.Seq
				if ev.Terminal() {
					return
				}
			}
			if closed {
				return
			}

			timer.Reset(liveness)
			select {
			case <-notify:
			case <-timer.C:
				if !send(models.PingEvent()) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
