// Package downloader runs the external download tool for one job at a time.
package downloader

import (
	"context"
	"path/filepath"
	"strings"
)

// Request carries the job fields passed to the tool.
type Request struct {
	ID        string
	URL       string
	Quality   string
	Type      string
	OutputDir string
}

// Result reports how the tool exited.
type Result struct {
	ExitCode int
}

// Sink receives tool output as it is produced. Implementations must be safe
// for concurrent use since stdout and stderr are read independently.
type Sink interface {
	Output(text string)
	Progress(current, total int)
}

// Downloader runs one download. A non-zero exit is reported in Result with a
// nil error; err is set when the tool could not be started or was cancelled
// through ctx. Run returns only after the tool process has exited.
type Downloader interface {
	Run(ctx context.Context, req Request, sink Sink) (Result, error)
}

// JobDir returns the working directory for job id below root. Characters that
// would leave root are replaced.
func JobDir(root, id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	name := r.Replace(id)
	if name == "" || name == "." {
		name = "_"
	}
	return filepath.Join(root, name)
}
