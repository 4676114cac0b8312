// Package syncer re-enqueues watch-list entries on a cron schedule.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jo-hoe/gotidarr/internal/jobs"
	"github.com/jo-hoe/gotidarr/internal/logging"
	"github.com/jo-hoe/gotidarr/internal/metrics"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Submitter is the submission path shared with manual downloads.
type Submitter interface {
	Submit(job jobs.Job) error
}

// Options configure a Scheduler.
type Options struct {
	Schedule       string
	DefaultQuality string
	// RespectPause skips scheduled ticks while Paused reports true.
	RespectPause bool
	Paused       func() bool
}

// Summary counts the outcome of one cycle.
type Summary struct {
	Submitted int
	Skipped   int
	Failed    int
}

type Scheduler struct {
	log     *slog.Logger
	list    *jobs.SyncList
	sub     Submitter
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	cron  *cron.Cron
	runMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(logger *slog.Logger, list *jobs.SyncList, sub Submitter, opts Options, m *metrics.Metrics) (*Scheduler, error) {
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", opts.Schedule, err)
	}
	log := logging.OrDiscard(logger).With("component", "syncer")
	cl := cronLogger{log: log}
	return &Scheduler{
		log:     log,
		list:    list,
		sub:     sub,
		opts:    opts,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Start registers the schedule and begins ticking. Cycles started afterwards
// run under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.opts.Schedule, s.tick); err != nil {
		return fmt.Errorf("register sync schedule: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.log.Info("sync scheduler started", "schedule", s.opts.Schedule, "respect_pause", s.opts.RespectPause)
	return nil
}

// Stop halts the timer and waits for running cycles to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("sync scheduler stopped")
}

func (s *Scheduler) tick() {
	if s.opts.RespectPause && s.opts.Paused != nil && s.opts.Paused() {
		s.log.Info("queue paused, skipping scheduled sync")
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.RunOnce(ctx, TriggerSchedule)
}

// Trigger starts a cycle in the background regardless of the pause state.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.RunOnce(ctx, TriggerManual)
	}()
}

// RunOnce submits every watch-list entry once. Cycles never overlap. An entry
// whose job is already queued counts as skipped; lastUpdate moves only on a
// successful submission.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) Summary {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var sum Summary
	items := s.list.List()
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		err := s.sub.Submit(s.jobFor(item))
		switch {
		case err == nil:
			sum.Submitted++
			if err := s.list.Touch(item.ID, s.now()); err != nil && !errors.Is(err, jobs.ErrNotFound) {
				s.log.Warn("failed to record sync time", "sync_id", item.ID, "err", err)
			}
		case errors.Is(err, jobs.ErrAlreadyQueued):
			sum.Skipped++
		default:
			sum.Failed++
			s.log.Warn("sync submission failed", "sync_id", item.ID, "url", item.URL, "err", err)
		}
	}
	s.metrics.SyncRun(ctx, trigger, sum.Submitted, sum.Skipped, sum.Failed)
	s.log.Info("sync cycle done", "trigger", trigger, "items", len(items),
		"submitted", sum.Submitted, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum
}

func (s *Scheduler) jobFor(item jobs.SyncItem) jobs.Job {
	quality := item.Quality
	if quality == "" {
		quality = s.opts.DefaultQuality
	}
	return jobs.Job{
		ID:      item.ID,
		Type:    item.Type,
		Title:   item.Title,
		URL:     item.URL,
		Quality: quality,
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
