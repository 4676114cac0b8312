// Package postprocess finalizes a successful download: it moves the files into
// the library, fixes playlists and permissions, notifies external services and
// runs an optional user script.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/gotidarr/internal/jobs"
	"github.com/jo-hoe/gotidarr/internal/logging"
)

// Run is the state shared by the steps of one pipeline execution.
type Run struct {
	Job     jobs.Job
	WorkDir string
	// Files holds the library paths of the moved files once the move step ran.
	Files []string
	// Output appends text to the job transcript.
	Output func(text string)
}

// Printf appends one formatted line to the transcript.
func (r *Run) Printf(format string, args ...any) {
	if r.Output == nil {
		return
	}
	r.Output(fmt.Sprintf(format, args...) + "\n")
}

// Step is one stage of the pipeline.
type Step interface {
	Name() string
	Run(ctx context.Context, r *Run) error
}

// Pipeline runs steps in order and stops at the first failure.
type Pipeline struct {
	log   *slog.Logger
	steps []Step
}

func New(logger *slog.Logger, steps ...Step) *Pipeline {
	return &Pipeline{log: logging.OrDiscard(logger), steps: steps}
}

// Steps returns the step names in execution order.
func (p *Pipeline) Steps() []string {
	out := make([]string, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.Name()
	}
	return out
}

func (p *Pipeline) Run(ctx context.Context, r *Run) error {
	log := p.log.With("job_id", r.Job.ID)
	for _, s := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		r.Printf("[post] %s", s.Name())
		if err := s.Run(ctx, r); err != nil {
			r.Printf("[post] %s failed: %v", s.Name(), err)
			log.Warn("post-processing step failed", "step", s.Name(), "err", err)
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
		log.Debug("post-processing step done", "step", s.Name(), "duration", time.Since(start))
	}
	return nil
}
