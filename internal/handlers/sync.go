package handlers

import (
	"errors"
	"net/http"

	"github.com/xelth-com/ecosyncgo/internal/engine"
)

// triggerSync runs a queue pass and returns its result
func (r *Router) triggerSync(w http.ResponseWriter, req *http.Request) {
	result, err := r.engine.SyncNow(req.Context())
	if errors.Is(err, engine.ErrOffline) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	switch {
	case result.AlreadyRunning:
		status = http.StatusAccepted
	case result.AuthRequired:
		status = http.StatusUnauthorized
	}
	respondJSON(w, status, result)
}

// recheck re-verifies connectivity after the user changed network settings
func (r *Router) recheck(w http.ResponseWriter, req *http.Request) {
	online := r.engine.Recheck(req.Context())
	respondJSON(w, http.StatusOK, map[string]bool{"online": online})
}
