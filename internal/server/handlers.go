package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jo-hoe/gotidarr/internal/jobs"
)

type saveRequest struct {
	Item *jobs.Job `json:"item"`
}

type removeRequest struct {
	ID string `json:"id"`
}

type syncSaveRequest struct {
	Item *jobs.SyncItem `json:"item"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Paused    bool   `json:"paused"`
	ActiveJob string `json:"activeJob,omitempty"`
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Paused: svc.Queue.Status().IsPaused}
	if id, ok := svc.Queue.Active(); ok {
		resp.ActiveJob = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (svc *Service) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Store.List())
}

// handleSave answers 201 for an id that is already queued as well; the
// submission guard makes the call idempotent.
func (svc *Service) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Item == nil {
		writeError(w, http.StatusBadRequest, "missing_item", "item is required")
		return
	}
	err := svc.Queue.Submit(*req.Item)
	switch {
	case err == nil:
		svc.Log.Info("job queued", "job_id", req.Item.ID, "type", req.Item.Type)
	case errors.Is(err, jobs.ErrAlreadyQueued):
		svc.Log.Info("job already queued", "job_id", req.Item.ID)
	case errors.Is(err, jobs.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_item", err.Error())
		return
	default:
		svc.internalError(w, r, "persist job", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (svc *Service) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := readID(w, r)
	if !ok {
		return
	}
	if err := svc.Queue.Remove(id); err != nil {
		svc.internalError(w, r, "remove job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := svc.Queue.RemoveAll(); err != nil {
		svc.internalError(w, r, "remove all jobs", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleRemoveFinished(w http.ResponseWriter, r *http.Request) {
	if err := svc.Queue.RemoveFinished(); err != nil {
		svc.internalError(w, r, "remove finished jobs", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	svc.Queue.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	svc.Queue.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Queue.Status())
}

func (svc *Service) handleSyncList(w http.ResponseWriter, r *http.Request) {
	items := svc.SyncList.List()
	if items == nil {
		items = []jobs.SyncItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (svc *Service) handleSyncSave(w http.ResponseWriter, r *http.Request) {
	var req syncSaveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Item == nil {
		writeError(w, http.StatusBadRequest, "missing_item", "item is required")
		return
	}
	item, err := svc.SyncList.Save(*req.Item)
	if errors.Is(err, jobs.ErrInvalid) {
		writeError(w, http.StatusBadRequest, "invalid_item", err.Error())
		return
	}
	if err != nil {
		svc.internalError(w, r, "persist sync item", err)
		return
	}
	svc.Log.Info("sync item saved", "sync_id", item.ID, "url", item.URL)
	writeJSON(w, http.StatusCreated, item)
}

func (svc *Service) handleSyncRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := readID(w, r)
	if !ok {
		return
	}
	if err := svc.SyncList.Remove(id); err != nil {
		svc.internalError(w, r, "remove sync item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleSyncRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := svc.SyncList.RemoveAll(); err != nil {
		svc.internalError(w, r, "remove sync list", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if svc.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync_unavailable", "sync scheduler not configured")
		return
	}
	svc.Sync.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func readID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req removeRequest
	if !decodeBody(w, r, &req) {
		return "", false
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "id is required")
		return "", false
	}
	return id, true
}

func (svc *Service) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	svc.Log.Error(op, "err", err, "request_id", RequestID(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal", op+" failed")
}
