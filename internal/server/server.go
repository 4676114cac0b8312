package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jo-hoe/gotidarr/internal/common"
	"github.com/jo-hoe/gotidarr/internal/config"
	"github.com/jo-hoe/gotidarr/internal/jobs"
	"github.com/jo-hoe/gotidarr/internal/logging"
	"github.com/jo-hoe/gotidarr/internal/metrics"
	"github.com/jo-hoe/gotidarr/internal/util"
)

// SyncTrigger starts an immediate watch-list cycle.
type SyncTrigger interface {
	Trigger()
}

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    *jobs.Store
	Queue    *jobs.Queue
	SyncList *jobs.SyncList
	Sync     SyncTrigger
	Metrics  *metrics.Metrics

	limiter *rate.Limiter

	// closing is closed once the http.Server starts shutting down.
	closing     chan struct{}
	closingOnce sync.Once
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	svc.Log = logging.OrDiscard(svc.Log)
	if rl := svc.Cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = int(math.Ceil(rl.RequestsPerSecond))
		}
		svc.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, svc.handleHealthz)
	if svc.Cfg.Server.MetricsEnabled {
		mux.Handle(http.MethodGet+" "+common.PathMetrics, svc.Metrics.Handler())
	}

	mux.HandleFunc(http.MethodGet+" "+common.PathList, svc.withCommon(svc.handleList))
	mux.HandleFunc(http.MethodPost+" "+common.PathSave, svc.withCommon(svc.handleSave))
	mux.HandleFunc(http.MethodDelete+" "+common.PathRemove, svc.withCommon(svc.handleRemove))
	mux.HandleFunc(http.MethodDelete+" "+common.PathRemoveAll, svc.withCommon(svc.handleRemoveAll))
	mux.HandleFunc(http.MethodDelete+" "+common.PathRemoveFinished, svc.withCommon(svc.handleRemoveFinished))

	mux.HandleFunc(http.MethodPost+" "+common.PathQueuePause, svc.withCommon(svc.handlePause))
	mux.HandleFunc(http.MethodPost+" "+common.PathQueueResume, svc.withCommon(svc.handleResume))
	mux.HandleFunc(http.MethodGet+" "+common.PathQueueStatus, svc.withCommon(svc.handleQueueStatus))

	mux.HandleFunc(http.MethodGet+" "+common.PathSyncList, svc.withCommon(svc.handleSyncList))
	mux.HandleFunc(http.MethodPost+" "+common.PathSyncSave, svc.withCommon(svc.handleSyncSave))
	mux.HandleFunc(http.MethodDelete+" "+common.PathSyncRemove, svc.withCommon(svc.handleSyncRemove))
	mux.HandleFunc(http.MethodDelete+" "+common.PathSyncRemoveAll, svc.withCommon(svc.handleSyncRemoveAll))
	mux.HandleFunc(http.MethodPost+" "+common.PathSyncTrigger, svc.withCommon(svc.handleSyncTrigger))

	mux.HandleFunc(http.MethodGet+" "+common.PathStreamProcessing, svc.withCommon(svc.handleStreamProcessing))
	mux.HandleFunc(http.MethodGet+" "+common.PathStreamItemOutput+"/{id}", svc.withCommon(svc.handleStreamItemOutput))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      requestIDMiddleware(loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log)),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	svc.closing = make(chan struct{})
	s.RegisterOnShutdown(func() {
		svc.closingOnce.Do(func() { close(svc.closing) })
	})
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
		}
		if svc.limiter != nil && !svc.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		// Enforce max body size
		if max := safeInt64(svc.Cfg.Server.MaxBodySize); max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
	return false
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(common.HeaderRequestID))
		if !util.IsID(id) {
			id = util.NewID()
		}
		w.Header().Set(common.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
			"request_id", RequestID(r.Context()))
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer.
func (w *writeWrap) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic in handler", "path", r.URL.Path, "panic", rec, "request_id", RequestID(r.Context()))
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
