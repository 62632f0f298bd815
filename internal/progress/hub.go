// Package progress fans out per-job progress events to any number of
// independently paced subscribers.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// ErrUnknownJob is returned by Subscribe when no stream exists for the job.
var ErrUnknownJob = errors.New("unknown job")

const defaultCapacity = 64

// Hub owns one bounded event stream per job. Publishing never blocks on
// subscribers; a subscriber that falls behind the buffer skips ahead to the
// oldest retained event but never sees events out of order.
type Hub struct {
	mu       sync.RWMutex
	streams  map[uuid.UUID]*stream
	capacity int
}

type stream struct {
	mu      sync.Mutex
	events  []models.ProgressEvent
	nextSeq uint64
	closed  bool
	// wake is closed and replaced on every publish.
	wake chan struct{}
	// done is closed when the stream is removed.
	done chan struct{}
}

// NewHub returns a hub retaining up to capacity events per job.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{streams: make(map[uuid.UUID]*stream), capacity: capacity}
}

// Open creates the stream for a job and seeds it with an initial event.
// Opening an existing stream is a no-op.
func (h *Hub) Open(jobID uuid.UUID, initial models.ProgressEvent) {
	h.mu.Lock()
	if _, ok := h.streams[jobID]; ok {
		h.mu.Unlock()
		return
	}
	st := &stream{wake: make(chan struct{}), done: make(chan struct{})}
	h.streams[jobID] = st
	h.mu.Unlock()

	h.Publish(jobID, initial)
}

// Publish appends an event to the job's stream. It reports false when the job
// is unknown or its stream already carries a terminal event.
func (h *Hub) Publish(jobID uuid.UUID, evt models.ProgressEvent) bool {
	st := h.get(jobID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.nextSeq++
	evt.Seq = st.nextSeq
	evt.JobID = jobID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if len(st.events) == h.capacity {
		copy(st.events, st.events[1:])
		st.events = st.events[:h.capacity-1]
	}
	st.events = append(st.events, evt)
	if evt.Terminal {
		st.closed = true
	}
	close(st.wake)
	st.wake = make(chan struct{})
	return true
}

// Snapshot returns the most recent event for the job.
func (h *Hub) Snapshot(jobID uuid.UUID) (models.ProgressEvent, bool) {
	st := h.get(jobID)
	if st == nil {
		return models.ProgressEvent{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.events) == 0 {
		return models.ProgressEvent{}, false
	}
	return st.events[len(st.events)-1], true
}

// Subscribe returns a channel that first yields the job's latest event and
// then every later one. The channel closes after the terminal event, when ctx
// ends, or when the stream is removed. For an unknown job it returns an
// already closed channel and ErrUnknownJob.
func (h *Hub) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.ProgressEvent, error) {
	out := make(chan models.ProgressEvent, 16)
	st := h.get(jobID)
	if st == nil {
		close(out)
		return out, ErrUnknownJob
	}

	st.mu.Lock()
	var since uint64
	if st.nextSeq > 0 {
		since = st.nextSeq - 1
	}
	st.mu.Unlock()

	go st.pump(ctx, since, out)
	return out, nil
}

// Remove drops the job's stream and releases its subscribers.
func (h *Hub) Remove(jobID uuid.UUID) {
	h.mu.Lock()
	st, ok := h.streams[jobID]
	delete(h.streams, jobID)
	h.mu.Unlock()
	if ok {
		close(st.done)
	}
}

// Len returns the number of open streams.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *Hub) get(jobID uuid.UUID) *stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams[jobID]
}

func (st *stream) pump(ctx context.Context, since uint64, out chan<- models.ProgressEvent) {
	defer close(out)
	for {
		st.mu.Lock()
		events := st.afterLocked(since)
		wake := st.wake
		st.mu.Unlock()

		for _, evt := range events {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			case <-st.done:
				return
			}
			since = evt.Seq
			if evt.Terminal {
				return
			}
		}
		if len(events) > 0 {
			continue
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		case <-st.done:
			return
		}
	}
}

func (st *stream) afterLocked(since uint64) []models.ProgressEvent {
	for i, evt := range st.events {
		if evt.Seq > since {
			out := make([]models.ProgressEvent, len(st.events)-i)
			copy(out, st.events[i:])
			return out
		}
	}
	return nil
}
