package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/gotidarr/internal/logging"
)

// Processor runs one dispatched job to completion. It owns the job's status
// transitions after download and must return once ctx is cancelled and any
// subprocess it started has exited.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// QueueOptions configure a Queue.
type QueueOptions struct {
	// NoDownload marks queued jobs no_download instead of dispatching them.
	NoDownload bool
	// StartPaused starts the queue with the pause gate closed.
	StartPaused bool
	// CancelTimeout bounds how long removal of the active job waits for the
	// processor to return. Zero waits forever.
	CancelTimeout time.Duration
}

type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	// removeOnExit is set under Queue.mu when a removal gave up waiting; the
	// record is dropped once the processor returns, before the slot frees.
	removeOnExit bool
}

// Queue dispatches jobs from a Store one at a time and carries the pause gate.
// Dispatch attempts are triggered by Kick and are safe to call redundantly.
type Queue struct {
	log   *slog.Logger
	store *Store
	opts  QueueOptions
	kick  chan struct{}

	mu      sync.Mutex
	paused  bool
	active  *run
	suspend int
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	proc    Processor

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewQueue creates a dispatcher over store.
func NewQueue(logger *slog.Logger, store *Store, opts QueueOptions) *Queue {
	return &Queue{
		log:    logging.OrDiscard(logger),
		store:  store,
		opts:   opts,
		kick:   make(chan struct{}, 1),
		paused: opts.StartPaused,
	}
}

// Start launches the dispatch loop which hands jobs to p.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.proc = p
	q.started = true
	q.wg.Add(1)
	go q.loop()
	q.Kick()
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.log.Debug("dispatch loop stopping due to context cancellation")
			return
		case <-q.kick:
			q.dispatch()
		}
	}
}

// Kick requests a dispatch attempt without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.paused || q.suspend > 0 || q.active != nil || q.ctx.Err() != nil {
		return
	}

	if q.opts.NoDownload {
		for {
			job, ok := q.store.NextQueued()
			if !ok {
				return
			}
			if err := q.store.SetStatus(job.ID, StatusNoDownload); err != nil && errors.Is(err, ErrNotFound) {
				return
			}
			q.log.Info("no-download mode, job not dispatched", "job_id", job.ID)
		}
	}

	job, ok := q.store.NextQueued()
	if !ok {
		return
	}
	// A persistence error still leaves the in-memory status updated.
	if err := q.store.SetStatus(job.ID, StatusDownload); errors.Is(err, ErrNotFound) {
		return
	}
	job.Status = StatusDownload

	ctx, cancel := context.WithCancel(q.ctx)
	r := &run{id: job.ID, cancel: cancel, done: make(chan struct{})}
	q.active = r
	q.wg.Add(1)
	go q.execute(ctx, r, job)
}

func (q *Queue) execute(ctx context.Context, r *run, job Job) {
	defer q.wg.Done()
	log := q.log.With("job_id", job.ID)
	log.Info("dispatching job", "type", job.Type)
	start := time.Now()
	if err := q.proc.Process(ctx, job); err != nil {
		log.Error("job failed", "err", err, "duration", time.Since(start))
	} else {
		log.Info("job finished", "duration", time.Since(start))
	}
	r.cancel()

	q.mu.Lock()
	if r.removeOnExit {
		if err := q.store.Remove(r.id); err != nil {
			log.Error("failed to remove job after late termination", "err", err)
		} else {
			log.Info("termination confirmed late, job removed")
		}
	}
	if q.active == r {
		q.active = nil
	}
	q.mu.Unlock()
	close(r.done)
	q.Kick()
}

// Submit adds job to the store and triggers a dispatch attempt.
func (q *Queue) Submit(job Job) error {
	if err := q.store.Add(job); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// Pause stops new dispatches. A running job is not interrupted.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.log.Info("queue paused")
}

// Resume reopens the gate and triggers a dispatch attempt.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.log.Info("queue resumed")
	q.Kick()
}

// Status reports the pause gate state.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{IsPaused: q.paused}
}

// Active returns the id of the job holding the execution slot.
func (q *Queue) Active() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return "", false
	}
	return q.active.id, true
}

// Remove deletes job id. If it is running, its processor is cancelled and the
// record is removed only after the processor has returned. On ErrCancelTimeout
// the job keeps the slot and is removed once the processor returns, before
// any other job is dispatched.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	r := q.active
	if r == nil || r.id != id {
		defer q.mu.Unlock()
		return q.store.Remove(id)
	}
	q.log.Info("cancelling active job", "job_id", id)
	r.cancel()
	q.mu.Unlock()

	if err := q.wait(r); err != nil {
		return err
	}
	return q.store.Remove(id)
}

// RemoveAll stops the active job, if any, and clears the queue. No job is
// dispatched in between. On ErrCancelTimeout nothing is cleared except the
// active job, which is removed once its processor returns.
func (q *Queue) RemoveAll() error {
	q.mu.Lock()
	q.suspend++
	r := q.active
	if r != nil {
		r.cancel()
	}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.suspend--
		q.mu.Unlock()
		q.Kick()
	}()

	if r != nil {
		if err := q.wait(r); err != nil {
			return err
		}
	}
	return q.store.RemoveAll()
}

// RemoveFinished clears finished and failed jobs. The active job is never one of them.
func (q *Queue) RemoveFinished() error {
	return q.store.RemoveFinished()
}

func (q *Queue) wait(r *run) error {
	if q.opts.CancelTimeout <= 0 {
		<-r.done
		return nil
	}
	timer := time.NewTimer(q.opts.CancelTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != r {
		// Finished between the timer firing and the lock.
		return nil
	}
	r.removeOnExit = true
	q.log.Error("active job did not stop, slot stays held", "job_id", r.id, "timeout", q.opts.CancelTimeout)
	return ErrCancelTimeout
}

// Shutdown cancels the active job and the dispatch loop, then waits for them
// up to deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; active job may still be running")
		}
	})
}
