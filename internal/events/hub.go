package events

import (
	"log/slog"
	"sync"
	"time"

	"conductor/internal/job"
	"conductor/internal/logging"
)

// Type classifies hub messages.
type Type string

const (
	TypeJobUpdate Type = "job_update"
	TypeJobRemove Type = "job_removed"
)

const (
	defaultMaxEvents        = 500
	defaultSubscriberBuffer = 64
)

// Event is a sequenced job snapshot.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	Job       *job.Job  `json:"job,omitempty"`
}

type subscriber struct {
	ch      chan Event
	jobID   string
	dropped int
}

// Hub keeps recent events for incremental reads and fans new ones out to
// live subscribers. Publish never blocks: a subscriber whose buffer is full
// loses the event.
type Hub struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[int]*subscriber
	nextSub   int
	logger    *slog.Logger
}

// NewHub creates a hub retaining at most maxEvents events.
func NewHub(maxEvents int, logger *slog.Logger) *Hub {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Hub{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]*subscriber),
		logger:    logging.NewComponentLogger(logger, "events"),
	}
}

// PublishJob records a snapshot of j. The hub clones j.
func (h *Hub) PublishJob(j *job.Job) Event {
	if j == nil {
		return Event{}
	}
	return h.Publish(Event{Type: TypeJobUpdate, JobID: j.ID, Job: j.Clone()})
}

// PublishRemoval announces that a job left the store.
func (h *Hub) PublishRemoval(jobID string) Event {
	return h.Publish(Event{Type: TypeJobRemove, JobID: jobID})
}

// Publish assigns the next sequence number and timestamp, appends the event
// and delivers it to subscribers.
func (h *Hub) Publish(event Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event.Seq = h.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.events = append(h.events, event)
	if len(h.events) > h.maxEvents {
		trim := len(h.events) - h.maxEvents
		h.events = append([]Event(nil), h.events[trim:]...)
	}

	for id, sub := range h.subs {
		if sub.jobID != "" && sub.jobID != event.JobID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				h.logger.Warn("event subscriber falling behind",
					logging.Int("subscriber", id),
					logging.Int("dropped", sub.dropped),
					logging.String(logging.FieldEventType, "events_dropped"),
				)
			}
		}
	}
	return event
}

// Since returns retained events with sequence strictly greater than seq,
// optionally restricted to one job.
func (h *Hub) Since(seq int64, jobID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(h.events))
	for _, event := range h.events {
		if event.Seq <= seq {
			continue
		}
		if jobID != "" && event.JobID != jobID {
			continue
		}
		out = append(out, event)
	}
	return out
}

// LastSeq returns the sequence of the newest event.
func (h *Hub) LastSeq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextSeq
}

// Subscribe registers a live listener. An empty jobID receives every event.
// The returned cancel func unregisters and closes the channel.
func (h *Hub) Subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer), jobID: jobID}

	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("event subscriber registered", logging.Int("subscriber", id), logging.Int("subscribers", count))

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			remaining := len(h.subs)
			h.mu.Unlock()
			close(sub.ch)
			h.logger.Debug("event subscriber removed", logging.Int("subscriber", id), logging.Int("subscribers", remaining))
		})
	}
}

// Subscribers returns the number of live listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
