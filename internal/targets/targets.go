package targets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Target is an external service notified after a job has been finalized.
type Target interface {
	Name() string
	Post(ctx context.Context, req TargetRequest) (TargetResult, error)
}

// TargetRequest describes the finalized job.
type TargetRequest struct {
	JobID      string
	Type       string
	Title      string
	Artist     string
	URL        string
	Quality    string
	Files      []string
	LibraryDir string
	Timestamp  time.Time
}

// Summary renders a one-line human description of the request.
func (r TargetRequest) Summary() string {
	title := r.Title
	if title == "" {
		title = r.URL
	}
	if r.Artist != "" {
		return fmt.Sprintf("Downloaded %s: %s by %s", r.Type, title, r.Artist)
	}
	return fmt.Sprintf("Downloaded %s: %s", r.Type, title)
}

// TargetResult describes what the target did.
type TargetResult struct {
	TargetName string
	Location   string
	Detail     string
}

// Registry holds initialized targets by name.
type Registry struct {
	byName map[string]Target
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Target)}
}

func (r *Registry) Add(t Target) {
	r.byName[t.Name()] = t
}

func (r *Registry) Get(name string) (Target, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int { return len(r.byName) }

// PostAll posts req to every target in name order. All targets are attempted;
// failures are joined into the returned error.
func (r *Registry) PostAll(ctx context.Context, req TargetRequest) ([]TargetResult, error) {
	var (
		results []TargetResult
		errs    []error
	)
	for _, name := range r.Names() {
		res, err := r.byName[name].Post(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
