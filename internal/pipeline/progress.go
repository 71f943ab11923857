package pipeline

import (
	"sync"
	"time"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
)

// EventKind labels one progress event.
type EventKind string

const (
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventRunCompleted   EventKind = "run_completed"
	EventKeepalive      EventKind = "keepalive"
)

// Event is one entry on a run's progress stream. run_completed carries
// the full outcome; keepalives carry nothing and exist so a consumer can
// tell a long stage from a dead connection.
type Event struct {
	Kind    EventKind         `json:"kind"`
	Stage   model.StageName   `json:"stage,omitempty"`
	Status  model.StageStatus `json:"status,omitempty"`
	Summary string            `json:"summary,omitempty"`
	Outcome *model.RunOutcome `json:"outcome,omitempty"`
	At      time.Time         `json:"at"`
}

// Sink receives progress events from a run.
type Sink interface {
	Publish(Event)
}

// Stream serializes events from concurrently executing stages onto one
// ordered channel for a single subscriber, emitting a keepalive whenever
// the configured interval passes with no real event. After Close,
// publishes are dropped; the run itself is unaffected.
type Stream struct {
	ch       chan Event
	done     chan struct{}
	interval time.Duration

	mu     sync.Mutex
	closed bool
	last   time.Time
}

// NewStream creates a Stream. keepalive <= 0 defaults to 5s.
func NewStream(keepalive time.Duration) *Stream {
	if keepalive <= 0 {
		keepalive = 5 * time.Second
	}
	s := &Stream{
		ch:       make(chan Event, 64),
		done:     make(chan struct{}),
		interval: keepalive,
		last:     time.Now(),
	}
	go s.keepaliveLoop()
	return s
}

// Events is the subscriber side. The channel is never closed; consumers
// stop on run_completed or their own context.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Publish enqueues an event, blocking if the subscriber lags. Dropped
// silently once the stream is closed.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.last = time.Now()
	s.mu.Unlock()

	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Close detaches the subscriber: later publishes are dropped and the
// keepalive timer stops. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// keepaliveLoop runs on its own timer so a stalled stage still produces
// traffic for the subscriber.
func (s *Stream) keepaliveLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.last) >= s.interval
			s.mu.Unlock()
			if !idle {
				continue
			}
			// Never block on a keepalive: if the buffer is full the
			// subscriber already has traffic to read.
			select {
			case s.ch <- Event{Kind: EventKeepalive, At: time.Now().UTC()}:
			case <-s.done:
				return
			default:
			}
		}
	}
}
