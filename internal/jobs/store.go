package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/gotidarr/internal/broadcast"
	"github.com/jo-hoe/gotidarr/internal/common"
	"github.com/jo-hoe/gotidarr/internal/logging"
)

// Event names carried on broadcast messages.
const (
	EventQueue  = "queue"
	EventOutput = "output"
)

const interruptedNotice = "\n[gotidarr] Job interrupted by a server restart, the download process is gone. Retry to download again.\n"

// Store owns the in-memory queue and its persisted mirror. Every read returns
// copies; every mutation goes through a method so that persistence and
// broadcasts stay consistent with memory.
//
// Structural mutations (add, remove, status) persist synchronously and return
// the persistence error, if any. The in-memory change is kept either way.
// Output and progress updates only mark the store dirty; Flush writes them.
type Store struct {
	log     *slog.Logger
	storage Storage
	hub     *broadcast.Hub
	now     func() time.Time

	mu   sync.Mutex
	jobs []*Job

	dirty atomic.Bool
	// writeMu is acquired before mu is released so snapshots reach storage in
	// mutation order. Never acquire mu while holding writeMu.
	writeMu sync.Mutex
}

// NewStore creates an empty store. Call Load to restore persisted jobs.
func NewStore(log *slog.Logger, storage Storage, hub *broadcast.Hub) *Store {
	if hub == nil {
		hub = broadcast.NewHub(common.HubJobBufferSize)
	}
	return &Store{
		log:     logging.OrDiscard(log),
		storage: storage,
		hub:     hub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Hub returns the broadcast hub used for queue and output events.
func (s *Store) Hub() *broadcast.Hub { return s.hub }

// Load replaces the in-memory queue with the persisted snapshot. Jobs that were
// in flight when the process stopped are turned into errors since their
// subprocess no longer exists.
func (s *Store) Load() error {
	loaded, err := s.storage.LoadQueue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	now := s.now()
	interrupted := 0
	list := make([]*Job, 0, len(loaded))
	seen := make(map[string]struct{}, len(loaded))
	for i := range loaded {
		j := loaded[i]
		if _, dup := seen[j.ID]; dup || j.ID == "" {
			s.log.Warn("skipping invalid persisted job", "job_id", j.ID)
			continue
		}
		seen[j.ID] = struct{}{}
		if j.Status.InFlight() {
			j.Status = StatusError
			j.Output += interruptedNotice
			j.UpdatedAt = now
			j.FinishedAt = &now
			interrupted++
		}
		list = append(list, &j)
	}

	s.mu.Lock()
	s.jobs = list
	if interrupted == 0 {
		s.mu.Unlock()
		s.log.Info("queue restored", "jobs", len(list))
		return nil
	}
	s.log.Warn("queue restored with interrupted jobs", "jobs", len(list), "interrupted", interrupted)
	return s.commitLocked()
}

// List returns a copy of every job in insertion order.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get returns a copy of the job with id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.jobs[i].clone(), true
	}
	return Job{}, false
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out
}

// Add inserts job as queue_download with an empty transcript. A job whose id
// already exists is rejected with ErrAlreadyQueued unless the existing entry
// has failed, in which case it is replaced in place (retry).
func (s *Store) Add(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if job.Type != "" && !job.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, job.Type)
	}

	s.mu.Lock()
	idx := s.indexLocked(job.ID)
	if idx >= 0 && s.jobs[idx].Status != StatusError {
		s.mu.Unlock()
		return ErrAlreadyQueued
	}

	now := s.now()
	job.Status = StatusQueueDownload
	job.Output = ""
	job.Progress = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StartedAt = nil
	job.FinishedAt = nil

	if idx >= 0 {
		// Readers of the failed run's transcript reconnect and see the reset.
		s.hub.CloseTopic(jobTopic(job.ID))
		s.jobs[idx] = &job
	} else {
		s.jobs = append(s.jobs, &job)
	}
	return s.commitLocked()
}

// Remove deletes the job with id. Unknown ids are ignored. Terminating a
// running subprocess is the caller's job.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	s.hub.CloseTopic(jobTopic(id))
	return s.commitLocked()
}

// RemoveAll clears the queue.
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	for _, j := range s.jobs {
		s.hub.CloseTopic(jobTopic(j.ID))
	}
	s.jobs = nil
	return s.commitLocked()
}

// RemoveFinished deletes exactly the finished and failed jobs.
func (s *Store) RemoveFinished() error {
	s.mu.Lock()
	kept := s.jobs[:0]
	removed := 0
	for _, j := range s.jobs {
		if j.Status.IsFinished() {
			s.hub.CloseTopic(jobTopic(j.ID))
			removed++
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(s.jobs); i++ {
		s.jobs[i] = nil
	}
	s.jobs = kept
	if removed == 0 {
		s.mu.Unlock()
		return nil
	}
	return s.commitLocked()
}

// SetStatus moves the job to status and stamps start/finish times.
func (s *Store) SetStatus(id string, status Status) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j := s.jobs[idx]
	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case StatusDownload:
		j.StartedAt = &now
		j.FinishedAt = nil
	case StatusFinished, StatusError, StatusNoDownload:
		j.FinishedAt = &now
	}
	return s.commitLocked()
}

// AppendOutput adds text to the job transcript and forwards it to output
// subscribers. Unknown ids are ignored so a late chunk from a removed job is dropped.
func (s *Store) AppendOutput(id, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}
	j := s.jobs[idx]
	j.Output += text
	j.UpdatedAt = s.now()
	s.dirty.Store(true)
	s.hub.Publish(jobTopic(id), outputMessage(text))
}

// SetProgress records downloader progress counters.
func (s *Store) SetProgress(id string, current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}
	j := s.jobs[idx]
	if j.Progress != nil && j.Progress.Current == current && j.Progress.Total == total {
		return
	}
	j.Progress = &Progress{Current: current, Total: total}
	j.UpdatedAt = s.now()
	s.dirty.Store(true)
	s.publishQueueLocked(s.snapshotLocked())
}

// NextQueued returns the oldest job waiting for download.
func (s *Store) NextQueued() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == StatusQueueDownload {
			return j.clone(), true
		}
	}
	return Job{}, false
}

// SubscribeQueue returns a subscription that first yields the current queue
// snapshot and then every later snapshot. Slow readers only see the newest.
func (s *Store) SubscribeQueue() *broadcast.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(common.TopicQueue, broadcast.Latest, queueMessage(s.snapshotLocked()))
}

// SubscribeOutput returns a subscription that first yields the whole buffered
// transcript of job id, then each appended chunk in order.
func (s *Store) SubscribeOutput(id string) (*broadcast.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.hub.Subscribe(jobTopic(id), broadcast.Ordered, outputMessage(s.jobs[idx].Output)), nil
}

// Flush persists pending output and progress changes.
func (s *Store) Flush() error {
	if !s.dirty.Load() {
		return nil
	}
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.dirty.Store(false)
	return s.writeLocked(snapshot)
}

// RunFlusher calls Flush every interval until ctx is done, then flushes once more.
func (s *Store) RunFlusher(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.log.Error("final queue flush", "err", err)
			}
			return
		case <-t.C:
			if err := s.Flush(); err != nil {
				s.log.Error("queue flush", "err", err)
			}
		}
	}
}

func (s *Store) indexLocked(id string) int {
	for i, j := range s.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() []Job {
	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.clone()
	}
	return out
}

// commitLocked publishes and persists the current queue. It must be called
// with s.mu held and returns with s.mu released.
func (s *Store) commitLocked() error {
	snapshot := s.snapshotLocked()
	s.dirty.Store(false)
	s.publishQueueLocked(snapshot)
	return s.writeLocked(snapshot)
}

// writeLocked hands s.mu over to writeMu and writes snapshot.
func (s *Store) writeLocked(snapshot []Job) error {
	s.writeMu.Lock()
	s.mu.Unlock()
	defer s.writeMu.Unlock()
	if err := s.storage.SaveQueue(snapshot); err != nil {
		s.dirty.Store(true)
		s.log.Error("persist queue", "err", err)
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (s *Store) publishQueueLocked(snapshot []Job) {
	s.hub.Publish(common.TopicQueue, queueMessage(snapshot))
}

func jobTopic(id string) string {
	return common.TopicJobPrefix + id
}

// queueMessage encodes a snapshot without transcripts; clients read those from
// the per-job output stream.
func queueMessage(snapshot []Job) broadcast.Message {
	light := make([]Job, len(snapshot))
	for i, j := range snapshot {
		j.Output = ""
		light[i] = j
	}
	data, _ := json.Marshal(light)
	return broadcast.Message{Event: EventQueue, Data: data}
}

func outputMessage(text string) broadcast.Message {
	data, _ := json.Marshal(text)
	return broadcast.Message{Event: EventOutput, Data: data}
}
