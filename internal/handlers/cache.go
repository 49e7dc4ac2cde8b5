package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/xelth-com/ecosyncgo/internal/engine"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

// queryCache returns cached reports inside the viewport. With refresh=true the
// viewport is brought up to date first when online; offline it serves the cache as is.
func (r *Router) queryCache(w http.ResponseWriter, req *http.Request) {
	bounds, err := parseBounds(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	refreshed := false
	if req.URL.Query().Get("refresh") == "true" {
		res, err := r.engine.RefreshViewport(req.Context(), bounds)
		switch {
		case errors.Is(err, engine.ErrOffline):
		case err != nil:
			logger.Component("handlers").WithError(err).Warn("Viewport refresh failed, serving cached data")
		default:
			refreshed = res.Fetched
		}
	}

	records, err := r.cache.QueryBounds(req.Context(), bounds)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records":   records,
		"count":     len(records),
		"stale":     r.cache.IsStale(req.Context()),
		"refreshed": refreshed,
	})
}

// patchCached applies a local status change to a cached report
func (r *Router) patchCached(w http.ResponseWriter, req *http.Request) {
	var partial map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&partial); err != nil || len(partial) == 0 {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := mux.Vars(req)["id"]
	if err := r.cache.UpsertOne(req.Context(), id, partial); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, err := r.cache.Get(req.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (r *Router) removeCached(w http.ResponseWriter, req *http.Request) {
	removed, err := r.cache.Remove(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "record not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseBounds(req *http.Request) (models.Bounds, error) {
	q := req.URL.Query()
	var vals [4]float64
	for i, key := range []string{"minLat", "maxLat", "minLng", "maxLng"} {
		raw := q.Get(key)
		if raw == "" {
			return models.Bounds{}, fmt.Errorf("missing %s", key)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.Bounds{}, fmt.Errorf("invalid %s: %q", key, raw)
		}
		vals[i] = v
	}

	b := models.Bounds{MinLat: vals[0], MaxLat: vals[1], MinLng: vals[2], MaxLng: vals[3]}
	if !b.Valid() {
		return models.Bounds{}, fmt.Errorf("min bounds exceed max bounds")
	}
	return b, nil
}
