package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jo-hoe/gotidarr/internal/common"
	"github.com/jo-hoe/gotidarr/internal/logging"
)

// Options configure an Exec downloader.
type Options struct {
	Command         string
	Args            []string // text/template with .ID .URL .Quality .Type .OutputDir
	ProgressPattern string   // regexp with two integer groups: current and total
	KillGrace       time.Duration
	Env             map[string]string
}

// Exec runs the download tool as a child process.
type Exec struct {
	log       *slog.Logger
	command   string
	args      []*template.Template
	progress  *regexp.Regexp
	killGrace time.Duration
	env       []string
}

// NewExec validates opts and returns an Exec.
func NewExec(logger *slog.Logger, opts Options) (*Exec, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, errors.New("downloader command is empty")
	}
	e := &Exec{
		log:       logging.OrDiscard(logger),
		command:   opts.Command,
		killGrace: opts.KillGrace,
	}
	for i, a := range opts.Args {
		tpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("parse arg %d: %w", i, err)
		}
		e.args = append(e.args, tpl)
	}
	if opts.ProgressPattern != "" {
		re, err := regexp.Compile(opts.ProgressPattern)
		if err != nil {
			return nil, fmt.Errorf("compile progress pattern: %w", err)
		}
		if re.NumSubexp() < 2 {
			return nil, errors.New("progress pattern needs two capture groups")
		}
		e.progress = re
	}
	e.env = os.Environ()
	for k, v := range opts.Env {
		e.env = append(e.env, k+"="+v)
	}
	return e, nil
}

// Args renders the argument templates for req.
func (e *Exec) Args(req Request) ([]string, error) {
	out := make([]string, 0, len(e.args))
	for _, tpl := range e.args {
		var b bytes.Buffer
		if err := tpl.Execute(&b, req); err != nil {
			return nil, fmt.Errorf("render %s: %w", tpl.Name(), err)
		}
		out = append(out, b.String())
	}
	return out, nil
}

func (e *Exec) Run(ctx context.Context, req Request, sink Sink) (Result, error) {
	args, err := e.Args(req)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("ensure work dir: %w", err)
	}

	log := e.log.With("job_id", req.ID)
	cmd := exec.CommandContext(ctx, e.command, args...) // #nosec G204 - command is operator configured
	cmd.Dir = req.OutputDir
	cmd.Env = e.env
	cmd.Cancel = func() error {
		log.Info("terminating downloader", "pid", cmd.Process.Pid)
		return terminateTree(cmd.Process.Pid)
	}
	cmd.WaitDelay = e.killGrace

	stdout := newLineWriter(sink, e.progress)
	stderr := newLineWriter(sink, e.progress)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Info("starting downloader", "command", e.command, "args", args)
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", e.command, err)
	}
	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return Result{ExitCode: -1}, fmt.Errorf("download cancelled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		return Result{ExitCode: 0}, nil
	case errors.As(waitErr, &exitErr):
		return Result{ExitCode: exitErr.ExitCode()}, nil
	default:
		return Result{ExitCode: -1}, fmt.Errorf("wait %s: %w", e.command, waitErr)
	}
}

// terminateTree sends SIGTERM to every descendant of pid, then to pid. The
// tool may spawn helpers (ffmpeg) that would otherwise outlive it.
func terminateTree(pid int) error {
	p, err := process.NewProcess(int32(pid)) // #nosec G115 - pids fit in int32
	if err != nil {
		return os.ErrProcessDone
	}
	for _, c := range descendants(p) {
		_ = c.Terminate()
	}
	if err := p.Terminate(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c)...)
		out = append(out, c)
	}
	return out
}

// lineWriter splits a byte stream into lines on \n or \r and forwards each
// line to the sink. Lines ended by \r are redraws of a progress line: every
// one is parsed for progress, but consecutive redraws are forwarded as output
// at most once per redrawEvery, and the last held one only if nothing
// overwrites it.
type lineWriter struct {
	sink        Sink
	progress    *regexp.Regexp
	redrawEvery time.Duration
	now         func() time.Time

	mu         sync.Mutex
	buf        []byte
	pending    string
	lastRedraw time.Time
}

func newLineWriter(sink Sink, progress *regexp.Regexp) *lineWriter {
	return &lineWriter{
		sink:        sink,
		progress:    progress,
		redrawEvery: common.OutputRedrawInterval,
		now:         time.Now,
	}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		switch b {
		case '\r':
			w.redrawLocked()
			continue
		case '\n':
			if len(w.buf) == 0 && w.pending != "" {
				// \r\n keeps the held redraw.
				w.sink.Output(w.pending + "\n")
				w.pending = ""
				continue
			}
			w.emitLocked()
			continue
		}
		w.buf = append(w.buf, b)
		if len(w.buf) >= common.OutputLineMaxBytes {
			w.emitLocked()
		}
	}
	return len(p), nil
}

// Flush forwards a trailing line without terminator, or the held redraw.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 && w.pending != "" {
		w.sink.Output(w.pending + "\n")
		w.pending = ""
		return
	}
	w.emitLocked()
}

func (w *lineWriter) redrawLocked() {
	if len(w.buf) == 0 {
		return
	}
	line := string(w.buf)
	w.buf = w.buf[:0]
	if now := w.now(); now.Sub(w.lastRedraw) >= w.redrawEvery {
		w.lastRedraw = now
		w.pending = ""
		w.sink.Output(line + "\n")
	} else {
		w.pending = line
	}
	w.reportLocked(line)
}

func (w *lineWriter) emitLocked() {
	if len(w.buf) == 0 {
		return
	}
	line := string(w.buf)
	w.buf = w.buf[:0]
	w.pending = ""
	w.sink.Output(line + "\n")
	w.reportLocked(line)
}

func (w *lineWriter) reportLocked(line string) {
	if cur, total, ok := parseProgress(w.progress, line); ok {
		w.sink.Progress(cur, total)
	}
}

func parseProgress(re *regexp.Regexp, line string) (int, int, bool) {
	if re == nil {
		return 0, 0, false
	}
	m := re.FindStringSubmatch(line)
	if len(m) < 3 {
		return 0, 0, false
	}
	cur, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, 0, false
	}
	return cur, total, true
}
