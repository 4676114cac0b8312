package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jo-hoe/gotidarr/internal/broadcast"
	"github.com/jo-hoe/gotidarr/internal/common"
	"github.com/jo-hoe/gotidarr/internal/jobs"
)

func (svc *Service) handleStreamProcessing(w http.ResponseWriter, r *http.Request) {
	svc.stream(w, r, svc.Store.SubscribeQueue())
}

func (svc *Service) handleStreamItemOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := svc.Store.SubscribeOutput(id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("job %q not found", id))
		return
	}
	if err != nil {
		svc.internalError(w, r, "subscribe output", err)
		return
	}
	svc.stream(w, r, sub)
}

// stream writes sub's messages as server-sent events until the client leaves
// or the topic closes or the server shuts down.
func (svc *Service) stream(w http.ResponseWriter, r *http.Request, sub *broadcast.Subscription) {
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", common.ContentTypeEventFeed)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		svc.Log.Warn("streaming unsupported", "err", err)
		return
	}

	var keepAlive <-chan time.Time
	if d := svc.Cfg.Server.SSEKeepAlive; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		keepAlive = t.C
	}

	log := svc.Log.With("topic", sub.Topic(), "request_id", RequestID(r.Context()))
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-svc.closing:
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msg broadcast.Message) error {
	if msg.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", msg.Event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", msg.Data)
	return err
}
