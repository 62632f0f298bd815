package progress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/progress"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan models.ProgressEvent) []models.ProgressEvent {
	t.Helper()
	var out []models.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("subscription did not end; got %d events", len(out))
			return out
		}
	}
}

func drain(ch <-chan models.ProgressEvent) []models.ProgressEvent {
	var out []models.ProgressEvent
	for evt := range ch {
		out = append(out, evt)
	}
	return out
}

func queued() models.ProgressEvent {
	return models.ProgressEvent{State: models.JobStateQueued, Message: "queued"}
}

func TestSubscribe_UnknownJob(t *testing.T) {
	h := progress.NewHub(8)
	ch, err := h.Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, progress.ErrUnknownJob)
	assert.Empty(t, collect(t, ch))
}

func TestSubscribe_LateSubscriberGetsTerminalSnapshot(t *testing.T) {
	h := progress.NewHub(8)
	id := uuid.New()
	h.Open(id, queued())
	h.Publish(id, models.ProgressEvent{State: models.JobStateRunning, Percent: 50})
	h.Publish(id, models.ProgressEvent{State: models.JobStateSucceeded, Percent: 100, Terminal: true})

	ch, err := h.Subscribe(context.Background(), id)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1, "late subscriber receives only the snapshot")
	assert.True(t, events[0].Terminal)
	assert.Equal(t, models.JobStateSucceeded, events[0].State)
	assert.Equal(t, id, events[0].JobID)
}

func TestPublish_AfterTerminalIsNoop(t *testing.T) {
	h := progress.NewHub(8)
	id := uuid.New()
	h.Open(id, queued())
	require.True(t, h.Publish(id, models.ProgressEvent{State: models.JobStateCancelled, Terminal: true}))

	assert.False(t, h.Publish(id, models.ProgressEvent{State: models.JobStateRunning, Percent: 10}))

	snap, ok := h.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, models.JobStateCancelled, snap.State)
	assert.True(t, snap.Terminal)
}

func TestPublish_UnknownJob(t *testing.T) {
	h := progress.NewHub(8)
	assert.False(t, h.Publish(uuid.New(), queued()))
}

func TestSubscribe_LiveEventsInOrderForAllSubscribers(t *testing.T) {
	h := progress.NewHub(256)
	id := uuid.New()
	h.Open(id, queued())

	const subscribers = 4
	results := make([][]models.ProgressEvent, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		ch, err := h.Subscribe(context.Background(), id)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = drain(ch)
		}(i)
	}

	for p := 1; p <= 100; p++ {
		h.Publish(id, models.ProgressEvent{State: models.JobStateRunning, Percent: float64(p)})
	}
	h.Publish(id, models.ProgressEvent{State: models.JobStateSucceeded, Percent: 100, Terminal: true})
	wg.Wait()

	for i := 0; i < subscribers; i++ {
		require.NotEmpty(t, results[i])
		assert.Equal(t, results[0], results[i], "subscribers must see the same sequence")
		for k := 1; k < len(results[i]); k++ {
			assert.Greater(t, results[i][k].Seq, results[i][k-1].Seq)
		}
		assert.True(t, results[i][len(results[i])-1].Terminal)
	}
}

func TestSubscribe_SlowSubscriberSkipsAheadInOrder(t *testing.T) {
	h := progress.NewHub(4)
	id := uuid.New()
	h.Open(id, queued())
	ch, err := h.Subscribe(context.Background(), id)
	require.NoError(t, err)

	for p := 1; p <= 40; p++ {
		h.Publish(id, models.ProgressEvent{State: models.JobStateRunning, Percent: float64(p)})
	}
	h.Publish(id, models.ProgressEvent{State: models.JobStateFailed, Terminal: true})

	events := collect(t, ch)
	require.NotEmpty(t, events)
	for k := 1; k < len(events); k++ {
		assert.Greater(t, events[k].Seq, events[k-1].Seq)
	}
	assert.True(t, events[len(events)-1].Terminal)
}

func TestSubscribe_ContextCancelEndsSubscription(t *testing.T) {
	h := progress.NewHub(8)
	id := uuid.New()
	h.Open(id, queued())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.Subscribe(ctx, id)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, models.JobStateQueued, first.State)
	cancel()
	collect(t, ch)

	// The job is unaffected by the disconnect.
	assert.True(t, h.Publish(id, models.ProgressEvent{State: models.JobStateRunning, Percent: 5}))
}

func TestRemove_ReleasesSubscribers(t *testing.T) {
	h := progress.NewHub(8)
	id := uuid.New()
	h.Open(id, queued())
	ch, err := h.Subscribe(context.Background(), id)
	require.NoError(t, err)
	<-ch

	h.Remove(id)
	collect(t, ch)
	assert.Equal(t, 0, h.Len())

	_, ok := h.Snapshot(id)
	assert.False(t, ok)
}

func TestOpen_Idempotent(t *testing.T) {
	h := progress.NewHub(8)
	id := uuid.New()
	h.Open(id, queued())
	h.Publish(id, models.ProgressEvent{State: models.JobStateRunning, Percent: 30})
	h.Open(id, queued())

	snap, ok := h.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, models.JobStateRunning, snap.State)
}
