package postprocess

import (
	"log/slog"
	"os"

	"github.com/jo-hoe/gotidarr/internal/config"
	"github.com/jo-hoe/gotidarr/internal/storage"
	"github.com/jo-hoe/gotidarr/internal/targets"
)

// FromConfig assembles the pipeline enabled by cfg. Verify, move and cleanup
// always run; the other steps only when configured.
func FromConfig(logger *slog.Logger, cfg config.PostProcessConfig, reg *targets.Registry) *Pipeline {
	steps := []Step{
		Verify{},
		Move{Library: storage.NewLibrary(cfg.LibraryDir)},
	}
	if len(cfg.PlaylistTypes) > 0 {
		steps = append(steps, Playlist{Types: cfg.PlaylistTypes, LibraryDir: cfg.LibraryDir})
	}
	perms := Permissions{
		LibraryDir: cfg.LibraryDir,
		UID:        cfg.PUID,
		GID:        cfg.PGID,
		FileMode:   os.FileMode(cfg.FileMode),
		DirMode:    os.FileMode(cfg.DirMode),
	}
	if perms.Enabled() {
		steps = append(steps, perms)
	}
	if reg != nil && reg.Len() > 0 {
		steps = append(steps, Notify{Targets: reg, LibraryDir: cfg.LibraryDir})
	}
	if cfg.Script.Path != "" {
		steps = append(steps, Script{Path: cfg.Script.Path, Timeout: cfg.Script.Timeout, LibraryDir: cfg.LibraryDir})
	}
	steps = append(steps, Cleanup{})
	return New(logger, steps...)
}
