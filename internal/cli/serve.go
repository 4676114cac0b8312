package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jo-hoe/gotidarr/internal/common"
	appcfg "github.com/jo-hoe/gotidarr/internal/config"
	"github.com/jo-hoe/gotidarr/internal/downloader"
	"github.com/jo-hoe/gotidarr/internal/jobs"
	"github.com/jo-hoe/gotidarr/internal/logging"
	"github.com/jo-hoe/gotidarr/internal/metrics"
	"github.com/jo-hoe/gotidarr/internal/postprocess"
	"github.com/jo-hoe/gotidarr/internal/processor"
	"github.com/jo-hoe/gotidarr/internal/server"
	"github.com/jo-hoe/gotidarr/internal/syncer"
	"github.com/jo-hoe/gotidarr/internal/targets"
	"github.com/jo-hoe/gotidarr/internal/targets/mediaserver"
	"github.com/jo-hoe/gotidarr/internal/targets/push"
)

const targetHTTPTimeout = 30 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cfg, err := appcfg.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := logging.Setup(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogFile)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	rootCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := Build(logger, cfg)
	if err != nil {
		return err
	}
	return app.Run(rootCtx)
}

// App holds every wired component of a running instance.
type App struct {
	Log      *slog.Logger
	Cfg      *appcfg.Config
	Storage  jobs.Storage
	Store    *jobs.Store
	SyncList *jobs.SyncList
	Queue    *jobs.Queue
	Worker   *processor.Worker
	Syncer   *syncer.Scheduler
	Metrics  *metrics.Metrics
	Server   *http.Server
}

// Build opens storage, restores state and wires the components without
// starting any of them.
func Build(logger *slog.Logger, cfg *appcfg.Config) (*App, error) {
	logger = logging.OrDiscard(logger)

	st, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	app := &App{Log: logger, Cfg: cfg, Storage: st}

	app.Store = jobs.NewStore(logger, st, nil)
	if err := app.Store.Load(); err != nil {
		_ = st.Close()
		return nil, err
	}
	app.SyncList = jobs.NewSyncList(logger, st)
	if err := app.SyncList.Load(); err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Server.MetricsEnabled {
		if app.Metrics, err = metrics.New(); err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := app.Metrics.ObserveQueue(func() map[string]int {
			out := make(map[string]int)
			for status, n := range app.Store.Counts() {
				out[string(status)] = n
			}
			return out
		}); err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := app.Metrics.ObserveSubscribers(app.Store.Hub().Total); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	reg, err := buildTargets(cfg.PostProcess.Targets)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pipeline := postprocess.FromConfig(logger, cfg.PostProcess, reg)

	dl, err := downloader.NewExec(logger, downloader.Options{
		Command:         cfg.Downloader.Command,
		Args:            cfg.Downloader.Args,
		ProgressPattern: cfg.Downloader.ProgressPattern,
		KillGrace:       cfg.Downloader.KillGrace,
		Env:             cfg.Downloader.Env,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init downloader: %w", err)
	}
	app.Worker = processor.New(logger, app.Store, dl, pipeline, app.Metrics, cfg.Downloader.WorkDir)

	app.Queue = jobs.NewQueue(logger, app.Store, jobs.QueueOptions{
		NoDownload:    cfg.Queue.NoDownload,
		StartPaused:   cfg.Queue.StartPaused,
		CancelTimeout: cfg.Queue.CancelTimeout,
	})

	app.Syncer, err = syncer.New(logger, app.SyncList, app.Queue, syncer.Options{
		Schedule:       cfg.Sync.Schedule,
		DefaultQuality: cfg.Sync.DefaultQuality,
		RespectPause:   cfg.Sync.RespectPause,
		Paused:         func() bool { return app.Queue.Status().IsPaused },
	}, app.Metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	app.Server = server.NewHTTPServer(&server.Service{
		Log:      logger,
		Cfg:      cfg,
		Store:    app.Store,
		Queue:    app.Queue,
		SyncList: app.SyncList,
		Sync:     app.Syncer,
		Metrics:  app.Metrics,
	})

	logger.Info("components wired",
		"storage", cfg.Storage.Driver,
		"downloader", cfg.Downloader.Command,
		"post_steps", pipeline.Steps(),
		"targets", reg.Names(),
		"no_download", cfg.Queue.NoDownload,
		"sync_enabled", cfg.Sync.Enabled)
	return app, nil
}

// Run starts the dispatcher, the flusher, the scheduler and the HTTP server
// and blocks until ctx is done or the server fails. It then shuts everything
// down in reverse order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Queue.Start(runCtx, a.Worker); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		a.Store.RunFlusher(runCtx, a.Cfg.Storage.OutputFlushInterval)
	}()
	if a.Cfg.Sync.Enabled {
		if err := a.Syncer.Start(runCtx); err != nil {
			return fmt.Errorf("start sync scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("http server starting", "address", a.Cfg.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.Log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.Log.Error("server error", "err", err)
			runErr = err
		}
	}

	// Graceful shutdown
	grace := a.Cfg.Server.ShutdownGrace
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("http shutdown", "err", err)
	}
	a.Syncer.Stop()
	a.Queue.Shutdown(grace)
	cancel()
	<-flushDone
	metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), grace)
	defer cancelMetrics()
	if err := a.Metrics.Shutdown(metricsCtx); err != nil {
		a.Log.Warn("metrics shutdown", "err", err)
	}
	if err := a.Storage.Close(); err != nil {
		a.Log.Warn("close storage", "err", err)
	}
	a.Log.Info("server stopped")
	return runErr
}

func openStorage(cfg appcfg.StorageConfig) (jobs.Storage, error) {
	switch cfg.Driver {
	case common.StorageDriverSQLite:
		st, err := jobs.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return st, nil
	default:
		st, err := jobs.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("file storage: %w", err)
		}
		return st, nil
	}
}

// buildTargets registers every target whose URL is configured.
func buildTargets(cfg appcfg.TargetsConfig) (*targets.Registry, error) {
	reg := targets.NewRegistry()
	client := &http.Client{Timeout: targetHTTPTimeout}

	if cfg.Plex.URL != "" {
		t, err := mediaserver.NewPlex(cfg.Plex)
		if err != nil {
			return nil, fmt.Errorf("init plex target: %w", err)
		}
		reg.Add(t.WithHTTPClient(client))
	}
	if cfg.Jellyfin.URL != "" {
		t, err := mediaserver.NewJellyfin(cfg.Jellyfin)
		if err != nil {
			return nil, fmt.Errorf("init jellyfin target: %w", err)
		}
		reg.Add(t.WithHTTPClient(client))
	}
	if cfg.Gotify.URL != "" {
		t, err := push.NewGotify(cfg.Gotify)
		if err != nil {
			return nil, fmt.Errorf("init gotify target: %w", err)
		}
		reg.Add(t.WithHTTPClient(client))
	}
	if cfg.Ntfy.URL != "" {
		t, err := push.NewNtfy(cfg.Ntfy)
		if err != nil {
			return nil, fmt.Errorf("init ntfy target: %w", err)
		}
		reg.Add(t.WithHTTPClient(client))
	}
	if cfg.Webhook.URL != "" {
		t, err := push.NewWebhook(cfg.Webhook)
		if err != nil {
			return nil, fmt.Errorf("init webhook target: %w", err)
		}
		reg.Add(t.WithHTTPClient(client))
	}
	return reg, nil
}
