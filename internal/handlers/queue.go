package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"github.com/xelth-com/ecosyncgo/internal/queue"
)

// listQueue returns queued submissions in enqueue order
func (r *Router) listQueue(w http.ResponseWriter, req *http.Request) {
	subs, err := r.queue.List(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": subs,
		"max_retries": r.queue.MaxRetries(),
	})
}

func (r *Router) enqueue(w http.ResponseWriter, req *http.Request) {
	var payload models.SubmissionPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := r.queue.Enqueue(req.Context(), payload)
	switch {
	case errors.Is(err, queue.ErrMediaMissing), errors.Is(err, queue.ErrInvalidSeverity):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (r *Router) getQueued(w http.ResponseWriter, req *http.Request) {
	sub, err := r.queue.Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondQueueError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// removeQueued discards a submission and its artifact without uploading it
func (r *Router) removeQueued(w http.ResponseWriter, req *http.Request) {
	if err := r.queue.RemoveFromQueue(req.Context(), mux.Vars(req)["id"]); err != nil {
		respondQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// retryQueued unfreezes a submission that hit the retry cap
func (r *Router) retryQueued(w http.ResponseWriter, req *http.Request) {
	sub, err := r.queue.Retry(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondQueueError(w, err)
		return
	}
	r.engine.RequestSync("manual_retry")
	respondJSON(w, http.StatusOK, sub)
}

func respondQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
