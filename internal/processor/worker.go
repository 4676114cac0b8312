package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/gotidarr/internal/downloader"
	"github.com/jo-hoe/gotidarr/internal/jobs"
	"github.com/jo-hoe/gotidarr/internal/metrics"
	"github.com/jo-hoe/gotidarr/internal/postprocess"
)

// Worker implements jobs.Processor: it runs the download tool for a job and,
// on a clean exit, the post-processing pipeline.
type Worker struct {
	Log        *slog.Logger
	Store      *jobs.Store
	Downloader downloader.Downloader
	Pipeline   *postprocess.Pipeline
	Metrics    *metrics.Metrics
	WorkDir    string
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

// New returns a Worker that downloads into per-job directories under workDir.
func New(log *slog.Logger, store *jobs.Store, d downloader.Downloader, p *postprocess.Pipeline, m *metrics.Metrics, workDir string) *Worker {
	return &Worker{
		Log:        log,
		Store:      store,
		Downloader: d,
		Pipeline:   p,
		Metrics:    m,
		WorkDir:    workDir,
	}
}

// storeSink forwards tool output to the job record.
type storeSink struct {
	store *jobs.Store
	id    string
}

func (s storeSink) Output(text string)          { s.store.AppendOutput(s.id, text) }
func (s storeSink) Progress(current, total int) { s.store.SetProgress(s.id, current, total) }

// Process downloads job, runs the post-processing pipeline and records the
// terminal status. A cancelled ctx leaves the status to the queue.
func (w *Worker) Process(ctx context.Context, job jobs.Job) error {
	start := time.Now()
	w.Metrics.JobDispatched(ctx, string(job.Type))

	dir := downloader.JobDir(w.WorkDir, job.ID)
	req := downloader.Request{
		ID:        job.ID,
		URL:       job.URL,
		Quality:   job.Quality,
		Type:      string(job.Type),
		OutputDir: dir,
	}
	res, err := w.Downloader.Run(ctx, req, storeSink{store: w.Store, id: job.ID})
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by removal or shutdown; the record is handled by the queue.
			return fmt.Errorf("download cancelled: %w", err)
		}
		w.finishWithError(job, start, fmt.Errorf("download: %w", err))
		return err
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("download tool exited with code %d", res.ExitCode)
		w.finishWithError(job, start, err)
		return err
	}

	if err := w.setStatus(job.ID, jobs.StatusQueueProcessing); err != nil {
		return err
	}
	if err := w.setStatus(job.ID, jobs.StatusProcessing); err != nil {
		return err
	}

	run := &postprocess.Run{
		Job:     job,
		WorkDir: dir,
		Output:  func(text string) { w.Store.AppendOutput(job.ID, text) },
	}
	if err := w.Pipeline.Run(ctx, run); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("post-processing cancelled: %w", err)
		}
		w.finishWithError(job, start, fmt.Errorf("post-processing: %w", err))
		return err
	}

	if err := w.setStatus(job.ID, jobs.StatusFinished); err != nil {
		return err
	}
	w.Metrics.JobCompleted(ctx, string(job.Type), string(jobs.StatusFinished), time.Since(start))
	return nil
}

// setStatus treats persistence failures as non-fatal; the in-memory record
// is already updated.
func (w *Worker) setStatus(id string, status jobs.Status) error {
	err := w.Store.SetStatus(id, status)
	if errors.Is(err, jobs.ErrNotFound) {
		return fmt.Errorf("job %s removed: %w", id, err)
	}
	if err != nil {
		w.Log.Warn("failed to persist status", "job_id", id, "status", status, "err", err)
	}
	return nil
}

func (w *Worker) finishWithError(job jobs.Job, start time.Time, err error) {
	w.Store.AppendOutput(job.ID, "[error] "+err.Error()+"\n")
	_ = w.setStatus(job.ID, jobs.StatusError)
	w.Metrics.JobCompleted(context.Background(), string(job.Type), string(jobs.StatusError), time.Since(start))
}
