package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/xelth-com/ecosyncgo/internal/buildinfo"
	"github.com/xelth-com/ecosyncgo/internal/cache"
	"github.com/xelth-com/ecosyncgo/internal/engine"
	"github.com/xelth-com/ecosyncgo/internal/middleware"
	"github.com/xelth-com/ecosyncgo/internal/queue"
	"github.com/xelth-com/ecosyncgo/internal/websocket"
)

// Router wraps the mux router and the sync core it exposes
type Router struct {
	*mux.Router
	api    *mux.Router
	engine *engine.Engine
	queue  *queue.Queue
	cache  *cache.Cache
	hub    *websocket.Hub
}

// NewRouter creates the local status API with all routes
func NewRouter(e *engine.Engine, q *queue.Queue, c *cache.Cache, hub *websocket.Hub) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		engine: e,
		queue:  q,
		cache:  c,
		hub:    hub,
	}

	r.Use(middleware.RequestLogger)

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequireJSON)
	r.api = api
	api.HandleFunc("/status", r.getStatus).Methods("GET")
	api.HandleFunc("/sync", r.triggerSync).Methods("POST")
	api.HandleFunc("/network/recheck", r.recheck).Methods("POST")

	// Queue routes
	api.HandleFunc("/queue", r.listQueue).Methods("GET")
	api.HandleFunc("/queue", r.enqueue).Methods("POST")
	api.HandleFunc("/queue/{id}", r.getQueued).Methods("GET")
	api.HandleFunc("/queue/{id}", r.removeQueued).Methods("DELETE")
	api.HandleFunc("/queue/{id}/retry", r.retryQueued).Methods("POST")

	// Cache routes
	api.HandleFunc("/cache", r.queryCache).Methods("GET")
	api.HandleFunc("/cache/{id}", r.patchCached).Methods("PATCH")
	api.HandleFunc("/cache/{id}", r.removeCached).Methods("DELETE")

	if hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWs(hub, w, req)
		})
	}

	return r
}

// RequireToken guards every /api route with a bearer token; empty leaves the API open.
// /health and /ws stay open since browsers cannot set headers on websocket upgrades.
func (r *Router) RequireToken(token string) {
	if token != "" {
		r.api.Use(middleware.BearerToken(token))
	}
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

// getStatus returns engine, queue and cache state
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	status, err := r.engine.GetSyncStatus(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"build": buildinfo.Current(),
		"sync":  status,
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
