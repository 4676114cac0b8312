package postprocess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jo-hoe/gotidarr/internal/storage"
	"github.com/jo-hoe/gotidarr/internal/targets"
)

// Verify fails when the download left nothing to move.
type Verify struct{}

func (Verify) Name() string { return "verify" }

func (Verify) Run(_ context.Context, r *Run) error {
	ok, err := storage.HasContent(r.WorkDir)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNoContent
	}
	return nil
}

// Move relocates the downloaded tree into the library.
type Move struct {
	Library *storage.Library
}

func (Move) Name() string { return "move" }

func (m Move) Run(_ context.Context, r *Run) error {
	files, err := m.Library.MoveTree(r.WorkDir)
	r.Files = append(r.Files, files...)
	if err != nil {
		return err
	}
	r.Printf("moved %d file(s) into %s", len(files), m.Library.Root())
	return nil
}

// Playlist rewrites absolute references to the work dir inside moved m3u
// files so they point into the library. Only job types listed in Types are
// considered.
type Playlist struct {
	Types      []string
	LibraryDir string
}

func (Playlist) Name() string { return "playlist" }

func (p Playlist) Run(_ context.Context, r *Run) error {
	if !slices.Contains(p.Types, string(r.Job.Type)) {
		return nil
	}
	rewritten := 0
	for _, f := range r.Files {
		ext := strings.ToLower(filepath.Ext(f))
		if ext != ".m3u" && ext != ".m3u8" {
			continue
		}
		changed, err := rewritePlaylist(f, r.WorkDir, p.LibraryDir)
		if err != nil {
			return err
		}
		if changed {
			rewritten++
		}
	}
	if rewritten > 0 {
		r.Printf("rewrote %d playlist file(s)", rewritten)
	}
	return nil
}

func rewritePlaylist(path, from, to string) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is inside the library
	if err != nil {
		return false, fmt.Errorf("read playlist: %w", err)
	}
	from = filepath.Clean(from)
	to = filepath.Clean(to)

	var out bytes.Buffer
	changed := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") && filepath.IsAbs(trimmed) {
			if rel, err := filepath.Rel(from, trimmed); err == nil && !strings.HasPrefix(rel, "..") {
				line = filepath.Join(to, rel)
				changed = true
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("scan playlist: %w", err)
	}
	if !changed {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, out.Bytes(), info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("write playlist: %w", err)
	}
	return true, nil
}

// Permissions applies ownership and modes to moved files and to the
// directories between them and the library root.
type Permissions struct {
	LibraryDir string
	UID, GID   *int
	FileMode   os.FileMode
	DirMode    os.FileMode
}

func (Permissions) Name() string { return "permissions" }

// Enabled reports whether any setting is configured.
func (p Permissions) Enabled() bool {
	return p.UID != nil || p.FileMode != 0 || p.DirMode != 0
}

func (p Permissions) Run(_ context.Context, r *Run) error {
	root := filepath.Clean(p.LibraryDir)
	dirs := make(map[string]struct{})
	for _, f := range r.Files {
		if err := p.apply(f, p.FileMode); err != nil {
			return err
		}
		for d := filepath.Dir(f); d != root && strings.HasPrefix(d, root); d = filepath.Dir(d) {
			dirs[d] = struct{}{}
		}
	}
	for d := range dirs {
		if err := p.apply(d, p.DirMode); err != nil {
			return err
		}
	}
	return nil
}

func (p Permissions) apply(path string, mode os.FileMode) error {
	if p.UID != nil && p.GID != nil {
		if err := os.Lchown(path, *p.UID, *p.GID); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

// Notify posts the finalized job to every registered target.
type Notify struct {
	Targets    *targets.Registry
	LibraryDir string
}

func (Notify) Name() string { return "notify" }

func (n Notify) Run(ctx context.Context, r *Run) error {
	req := targets.TargetRequest{
		JobID:      r.Job.ID,
		Type:       string(r.Job.Type),
		Title:      r.Job.Title,
		Artist:     r.Job.Artist,
		URL:        r.Job.URL,
		Quality:    r.Job.Quality,
		Files:      r.Files,
		LibraryDir: n.LibraryDir,
		Timestamp:  time.Now().UTC(),
	}
	results, err := n.Targets.PostAll(ctx, req)
	for _, res := range results {
		r.Printf("notified %s %s", res.TargetName, res.Detail)
	}
	return err
}

// Script runs a user executable with the job metadata in its environment.
// Its combined output is appended to the transcript.
type Script struct {
	Path       string
	Timeout    time.Duration
	LibraryDir string
}

func (Script) Name() string { return "script" }

func (s Script) Run(ctx context.Context, r *Run) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, s.Path) // #nosec G204 - operator configured script
	cmd.Dir = s.LibraryDir
	cmd.Env = append(os.Environ(),
		"JOB_ID="+r.Job.ID,
		"JOB_TYPE="+string(r.Job.Type),
		"JOB_TITLE="+r.Job.Title,
		"JOB_ARTIST="+r.Job.Artist,
		"JOB_URL="+r.Job.URL,
		"JOB_QUALITY="+r.Job.Quality,
		"LIBRARY_DIR="+s.LibraryDir,
		"JOB_FILES="+strings.Join(r.Files, "\n"),
	)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 && r.Output != nil {
		text := string(out)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		r.Output(text)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("script timed out: %w", ctx.Err())
		}
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// Cleanup removes the job working directory.
type Cleanup struct{}

func (Cleanup) Name() string { return "cleanup" }

func (Cleanup) Run(_ context.Context, r *Run) error {
	if err := os.RemoveAll(r.WorkDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}
