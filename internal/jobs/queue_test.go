package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedProcessor blocks every job until the test releases it.
type gatedProcessor struct {
	store    *Store
	started  chan string
	stubborn bool
	// keepStatus leaves the record untouched on cancellation, as the
	// download worker does.
	keepStatus bool

	mu      sync.Mutex
	gates   map[string]chan error
	cancels map[string]int

	running   atomic.Int32
	maxActive atomic.Int32
}

func newGatedProcessor(s *Store) *gatedProcessor {
	return &gatedProcessor{
		store:   s,
		started: make(chan string, 128),
		gates:   make(map[string]chan error),
		cancels: make(map[string]int),
	}
}

func (p *gatedProcessor) gate(id string) chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gates[id]
	if !ok {
		g = make(chan error, 1)
		p.gates[id] = g
	}
	return g
}

func (p *gatedProcessor) release(id string, err error) { p.gate(id) <- err }

func (p *gatedProcessor) cancelCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels[id]
}

func (p *gatedProcessor) Process(ctx context.Context, job Job) error {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	p.started <- job.ID

	select {
	case err := <-p.gate(job.ID):
		if err != nil {
			p.store.AppendOutput(job.ID, err.Error()+"\n")
			_ = p.store.SetStatus(job.ID, StatusError)
			return err
		}
		_ = p.store.SetStatus(job.ID, StatusQueueProcessing)
		_ = p.store.SetStatus(job.ID, StatusFinished)
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.cancels[job.ID]++
		p.mu.Unlock()
		if p.stubborn {
			<-p.gate(job.ID)
		}
		if !p.keepStatus {
			_ = p.store.SetStatus(job.ID, StatusError)
		}
		return ctx.Err()
	}
}

func startQueue(t *testing.T, opts QueueOptions) (*Queue, *Store, *gatedProcessor) {
	t.Helper()
	s, _ := newTestStore(t)
	q := NewQueue(nil, s, opts)
	p := newGatedProcessor(s)
	require.NoError(t, q.Start(context.Background(), p))
	t.Cleanup(func() { q.Shutdown(time.Second) })
	return q, s, p
}

func expectStarted(t *testing.T, p *gatedProcessor, id string) {
	t.Helper()
	select {
	case got := <-p.started:
		require.Equal(t, id, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("job %s was not dispatched", id)
	}
}

func expectIdle(t *testing.T, p *gatedProcessor) {
	t.Helper()
	select {
	case got := <-p.started:
		t.Fatalf("unexpected dispatch of %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_StartTwice(t *testing.T) {
	q, _, p := startQueue(t, QueueOptions{})
	assert.Error(t, q.Start(context.Background(), p))
}

func TestQueue_FIFOAndSingleSlot(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{})
	for _, id := range []string{"A1", "B1", "C1"} {
		require.NoError(t, q.Submit(Job{ID: id}))
	}

	expectStarted(t, p, "A1")
	assert.Equal(t, StatusDownload, statusOf(s, "A1"))
	assert.Equal(t, StatusDownload, statusOf(s, "B1"))
	expectIdle(t, p)

	p.release("A1", nil)
	expectStarted(t, p, "B1")
	assert.Equal(t, StatusFinished, statusOf(s, "A1"))

	p.release("B1", errors.New("exit status 1"))
	expectStarted(t, p, "C1")
	b1, _ := s.Get("B1")
	assert.Equal(t, StatusError, b1.Status)
	assert.Contains(t, b1.Output, "exit status 1")

	p.release("C1", nil)
	waitFor(t, "C1 finished", func() bool { return statusOf(s, "C1") == StatusFinished })
}

func TestQueue_AtMostOneActive(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{})
	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.Submit(Job{ID: fmt.Sprintf("j%02d", i)}))
			q.Kick()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		id := <-p.started
		active := 0
		for _, j := range s.List() {
			if j.Status.IsActive() {
				active++
			}
		}
		assert.LessOrEqual(t, active, 1)
		p.release(id, nil)
	}
	waitFor(t, "all finished", func() bool { return s.Counts()[StatusFinished] == n })
	assert.Equal(t, int32(1), p.maxActive.Load())
}

func TestQueue_PauseBlocksDispatchNotActive(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{})
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	expectStarted(t, p, "A1")

	q.Pause()
	assert.True(t, q.Status().IsPaused)
	require.NoError(t, q.Submit(Job{ID: "B1"}))

	p.release("A1", nil)
	waitFor(t, "A1 finished while paused", func() bool { return statusOf(s, "A1") == StatusFinished })
	expectIdle(t, p)
	assert.Equal(t, StatusDownload, statusOf(s, "B1"))

	q.Resume()
	assert.False(t, q.Status().IsPaused)
	expectStarted(t, p, "B1")
	p.release("B1", nil)
}

func TestQueue_StartPaused(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{StartPaused: true})
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	expectIdle(t, p)
	assert.Equal(t, StatusQueueDownload, statusOf(s, "A1"))
	q.Resume()
	expectStarted(t, p, "A1")
	p.release("A1", nil)
}

func TestQueue_RemoveActiveCancelsOnceBeforeRemoval(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{CancelTimeout: 2 * time.Second})
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	require.NoError(t, q.Submit(Job{ID: "B1"}))
	expectStarted(t, p, "A1")

	require.NoError(t, q.Remove("A1"))
	assert.Equal(t, 1, p.cancelCount("A1"))
	_, ok := s.Get("A1")
	assert.False(t, ok)

	expectStarted(t, p, "B1")
	p.release("B1", nil)
}

func TestQueue_RemoveQueuedIsImmediate(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{})
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	require.NoError(t, q.Submit(Job{ID: "B1"}))
	expectStarted(t, p, "A1")

	require.NoError(t, q.Remove("B1"))
	require.NoError(t, q.Remove("B1"))
	_, ok := s.Get("B1")
	assert.False(t, ok)
	assert.Equal(t, 0, p.cancelCount("A1"))
	p.release("A1", nil)
}

func TestQueue_RemoveActiveTimeoutKeepsSlot(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{CancelTimeout: 50 * time.Millisecond})
	p.stubborn = true
	p.keepStatus = true
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	require.NoError(t, q.Submit(Job{ID: "B1"}))
	expectStarted(t, p, "A1")

	err := q.Remove("A1")
	require.ErrorIs(t, err, ErrCancelTimeout)
	_, ok := s.Get("A1")
	assert.True(t, ok, "job stays until termination is confirmed")
	id, active := q.Active()
	assert.True(t, active)
	assert.Equal(t, "A1", id)
	expectIdle(t, p)

	p.release("A1", nil)
	expectStarted(t, p, "B1")
	_, ok = s.Get("A1")
	assert.False(t, ok, "late termination removes the job before the next dispatch")
	assert.Equal(t, StatusDownload, statusOf(s, "B1"))
	p.release("B1", nil)
	waitFor(t, "B1 finished", func() bool { return statusOf(s, "B1") == StatusFinished })
}

func TestQueue_LateTerminationNeverShowsTwoActive(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{CancelTimeout: 20 * time.Millisecond})
	p.stubborn = true
	p.keepStatus = true
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	require.NoError(t, q.Submit(Job{ID: "B1"}))
	expectStarted(t, p, "A1")

	require.ErrorIs(t, q.Remove("A1"), ErrCancelTimeout)
	go func() {
		time.Sleep(100 * time.Millisecond)
		p.release("A1", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		for _, j := range s.List() {
			if j.Status.IsActive() {
				n++
			}
		}
		require.LessOrEqual(t, n, 1, "at most one job may show an active status")
		if _, ok := s.Get("A1"); !ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	expectStarted(t, p, "B1")
	_, ok := s.Get("A1")
	assert.False(t, ok)
	p.release("B1", nil)
}

func TestQueue_RemoveAllTimeoutRemovesActiveLate(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{CancelTimeout: 50 * time.Millisecond})
	p.stubborn = true
	p.keepStatus = true
	require.NoError(t, q.Submit(Job{ID: "C1"}))
	require.NoError(t, q.Submit(Job{ID: "C2"}))
	expectStarted(t, p, "C1")

	require.ErrorIs(t, q.RemoveAll(), ErrCancelTimeout)
	_, ok := s.Get("C1")
	assert.True(t, ok)

	p.release("C1", nil)
	expectStarted(t, p, "C2")
	_, ok = s.Get("C1")
	assert.False(t, ok)
	p.release("C2", nil)
}

func TestQueue_RemoveAllKeepsPauseState(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{CancelTimeout: 2 * time.Second})
	require.NoError(t, q.Submit(Job{ID: "C1"}))
	expectStarted(t, p, "C1")
	require.NoError(t, q.Submit(Job{ID: "C2"}))
	require.NoError(t, q.Submit(Job{ID: "C3"}))
	require.NoError(t, s.SetStatus("C3", StatusFinished))
	q.Pause()

	require.NoError(t, q.RemoveAll())
	assert.Equal(t, 1, p.cancelCount("C1"))
	assert.Empty(t, s.List())
	assert.True(t, q.Status().IsPaused)
	expectIdle(t, p)
}

func TestQueue_RetryAfterError(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{})
	require.NoError(t, q.Submit(Job{ID: "B1"}))
	expectStarted(t, p, "B1")
	p.release("B1", errors.New("stderr: not found"))
	waitFor(t, "B1 error", func() bool { return statusOf(s, "B1") == StatusError })

	q.Pause()
	require.NoError(t, q.Submit(Job{ID: "B1", Status: "queue"}))
	b1, _ := s.Get("B1")
	assert.Equal(t, StatusQueueDownload, b1.Status)
	assert.Empty(t, b1.Output)
	assert.ErrorIs(t, q.Submit(Job{ID: "B1"}), ErrAlreadyQueued)
}

func TestQueue_NoDownloadMode(t *testing.T) {
	q, s, p := startQueue(t, QueueOptions{NoDownload: true})
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	require.NoError(t, q.Submit(Job{ID: "B1"}))
	waitFor(t, "no_download", func() bool {
		return statusOf(s, "A1") == StatusNoDownload && statusOf(s, "B1") == StatusNoDownload
	})
	expectIdle(t, p)
}

func TestQueue_ShutdownCancelsActive(t *testing.T) {
	s, _ := newTestStore(t)
	q := NewQueue(nil, s, QueueOptions{})
	p := newGatedProcessor(s)
	require.NoError(t, q.Start(context.Background(), p))
	require.NoError(t, q.Submit(Job{ID: "A1"}))
	expectStarted(t, p, "A1")

	q.Shutdown(2 * time.Second)
	assert.Equal(t, 1, p.cancelCount("A1"))
	assert.Equal(t, StatusError, statusOf(s, "A1"))
}
