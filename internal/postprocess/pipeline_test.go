package postprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/gotidarr/internal/config"
	"github.com/jo-hoe/gotidarr/internal/jobs"
	"github.com/jo-hoe/gotidarr/internal/storage"
	"github.com/jo-hoe/gotidarr/internal/targets"
)

type transcript struct{ b strings.Builder }

func (t *transcript) add(s string) { t.b.WriteString(s) }

func newRun(t *testing.T, job jobs.Job) (*Run, *transcript) {
	t.Helper()
	tr := &transcript{}
	return &Run{Job: job, WorkDir: filepath.Join(t.TempDir(), job.ID), Output: tr.add}, tr
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type stepFunc struct {
	name string
	fn   func(r *Run) error
}

func (s stepFunc) Name() string                        { return s.name }
func (s stepFunc) Run(_ context.Context, r *Run) error { return s.fn(r) }

func TestPipeline_StopsAtFirstFailure(t *testing.T) {
	var ran []string
	mk := func(name string, err error) Step {
		return stepFunc{name: name, fn: func(*Run) error { ran = append(ran, name); return err }}
	}
	p := New(nil, mk("a", nil), mk("b", errors.New("broken")), mk("c", nil))
	assert.Equal(t, []string{"a", "b", "c"}, p.Steps())

	r, tr := newRun(t, jobs.Job{ID: "A1"})
	err := p.Run(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: broken")
	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Contains(t, tr.b.String(), "[post] b failed: broken")
}

func TestVerify_NoContent(t *testing.T) {
	r, _ := newRun(t, jobs.Job{ID: "A1"})
	require.NoError(t, os.MkdirAll(r.WorkDir, 0o755))
	assert.ErrorIs(t, Verify{}.Run(context.Background(), r), storage.ErrNoContent)

	write(t, filepath.Join(r.WorkDir, "a.flac"), "x")
	assert.NoError(t, Verify{}.Run(context.Background(), r))
}

func TestPlaylist_RewritesWorkDirReferences(t *testing.T) {
	lib := t.TempDir()
	r, _ := newRun(t, jobs.Job{ID: "P1", Type: jobs.TypePlaylist})
	m3u := filepath.Join(lib, "Mix", "mix.m3u8")
	track := filepath.Join(r.WorkDir, "Mix", "01.flac")
	write(t, m3u, "#EXTM3U\n#EXTINF:10,One\n"+track+"\nrelative/02.flac\n")
	r.Files = []string{m3u, filepath.Join(lib, "Mix", "01.flac")}

	require.NoError(t, Playlist{Types: []string{"playlist"}, LibraryDir: lib}.Run(context.Background(), r))
	b, err := os.ReadFile(m3u)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Equal(t, filepath.Join(lib, "Mix", "01.flac"), lines[2])
	assert.Equal(t, "relative/02.flac", lines[3])
}

func TestPlaylist_SkipsOtherTypes(t *testing.T) {
	lib := t.TempDir()
	r, _ := newRun(t, jobs.Job{ID: "A1", Type: jobs.TypeAlbum})
	m3u := filepath.Join(lib, "a.m3u")
	content := filepath.Join(r.WorkDir, "x.flac") + "\n"
	write(t, m3u, content)
	r.Files = []string{m3u}
	require.NoError(t, Playlist{Types: []string{"playlist"}, LibraryDir: lib}.Run(context.Background(), r))
	b, _ := os.ReadFile(m3u)
	assert.Equal(t, content, string(b))
}

func TestPermissions_Modes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	lib := t.TempDir()
	f := filepath.Join(lib, "Artist", "Album", "01.flac")
	write(t, f, "x")
	r, _ := newRun(t, jobs.Job{ID: "A1"})
	r.Files = []string{f}

	uid, gid := os.Getuid(), os.Getgid()
	p := Permissions{LibraryDir: lib, UID: &uid, GID: &gid, FileMode: 0o600, DirMode: 0o750}
	require.True(t, p.Enabled())
	require.NoError(t, p.Run(context.Background(), r))

	info, err := os.Stat(f)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	info, err = os.Stat(filepath.Join(lib, "Artist"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
}

type fakeTarget struct {
	got []targets.TargetRequest
	err error
}

func (f *fakeTarget) Name() string { return "fake" }
func (f *fakeTarget) Post(_ context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	f.got = append(f.got, req)
	return targets.TargetResult{TargetName: "fake", Detail: "ok"}, f.err
}

func TestNotify_PostsJobMetadata(t *testing.T) {
	ft := &fakeTarget{}
	reg := targets.NewRegistry()
	reg.Add(ft)
	r, tr := newRun(t, jobs.Job{ID: "A1", Type: jobs.TypeAlbum, Title: "Blue", Artist: "Joni"})
	r.Files = []string{"/lib/a.flac"}

	require.NoError(t, Notify{Targets: reg, LibraryDir: "/lib"}.Run(context.Background(), r))
	require.Len(t, ft.got, 1)
	assert.Equal(t, "Blue", ft.got[0].Title)
	assert.Equal(t, []string{"/lib/a.flac"}, ft.got[0].Files)
	assert.Contains(t, tr.b.String(), "notified fake ok")

	ft.err = errors.New("offline")
	assert.Error(t, Notify{Targets: reg}.Run(context.Background(), r))
}

func TestScript_EnvAndOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"hook $JOB_ID $JOB_TYPE $JOB_TITLE\"\n"), 0o755))

	r, tr := newRun(t, jobs.Job{ID: "A1", Type: jobs.TypeAlbum, Title: "Blue"})
	require.NoError(t, Script{Path: script, LibraryDir: dir}.Run(context.Background(), r))
	assert.Contains(t, tr.b.String(), "hook A1 album Blue\n")

	failing := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\necho nope >&2\nexit 2\n"), 0o755))
	err := Script{Path: failing, LibraryDir: dir}.Run(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, tr.b.String(), "nope")
}

func TestFromConfig_FullPipeline(t *testing.T) {
	lib := t.TempDir()
	ft := &fakeTarget{}
	reg := targets.NewRegistry()
	reg.Add(ft)
	p := FromConfig(nil, config.PostProcessConfig{LibraryDir: lib, PlaylistTypes: []string{"playlist"}}, reg)
	assert.Equal(t, []string{"verify", "move", "playlist", "notify", "cleanup"}, p.Steps())

	r, tr := newRun(t, jobs.Job{ID: "A1", Type: jobs.TypeAlbum})
	write(t, filepath.Join(r.WorkDir, "Artist", "Album", "01.flac"), "audio")

	require.NoError(t, p.Run(context.Background(), r))
	_, err := os.Stat(filepath.Join(lib, "Artist", "Album", "01.flac"))
	assert.NoError(t, err)
	_, err = os.Stat(r.WorkDir)
	assert.True(t, os.IsNotExist(err), "work dir is cleaned up")
	assert.Len(t, ft.got, 1)
	assert.Contains(t, tr.b.String(), "moved 1 file(s)")
}

func TestFromConfig_EmptyDownloadFails(t *testing.T) {
	p := FromConfig(nil, config.PostProcessConfig{LibraryDir: t.TempDir()}, nil)
	r, _ := newRun(t, jobs.Job{ID: "A1"})
	require.NoError(t, os.MkdirAll(r.WorkDir, 0o755))
	err := p.Run(context.Background(), r)
	assert.ErrorIs(t, err, storage.ErrNoContent)
}
