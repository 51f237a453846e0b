package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/tilemath"
)

type createRegionRequest struct {
	Name      string        `json:"name"`
	Bounds    tilemath.BBox `json:"bounds"`
	MinZoom   int           `json:"min_zoom"`
	MaxZoom   int           `json:"max_zoom"`
	TargetGSD float64       `json:"target_gsd"` // meters per pixel; used when max_zoom is absent
	Provider  string        `json:"provider"`
}

const fallbackGSD = 0.6

func (a *API) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	var req createRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	p, err := a.mgr.Providers().Get(req.Provider)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if req.TargetGSD < 0 {
		respondError(w, http.StatusBadRequest, "target_gsd must be positive")
		return
	}

	// Without an explicit max_zoom the target ground resolution picks it:
	// the lowest zoom whose GSD at the region's center latitude meets the
	// target, capped by the provider and the service limit.
	if req.MaxZoom == 0 {
		gsd := req.TargetGSD
		if gsd == 0 {
			gsd = a.cfg.DefaultGSD
		}
		if gsd == 0 {
			gsd = fallbackGSD
		}
		tileSize := p.TileSize()
		if tileSize <= 0 {
			tileSize = a.cfg.DefaultTileSize
		}
		maxZ := p.MaxZoom()
		if a.cfg.MaxZoom > 0 && a.cfg.MaxZoom < maxZ {
			maxZ = a.cfg.MaxZoom
		}
		centerLat := (req.Bounds.MinLat + req.Bounds.MaxLat) / 2
		req.MaxZoom = tilemath.ZoomForGSD(gsd, centerLat, tileSize, maxZ)
	}
	if req.MinZoom == 0 {
		req.MinZoom = req.MaxZoom
	}

	region := registry.Region{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Bounds:   req.Bounds,
		MinZoom:  req.MinZoom,
		MaxZoom:  req.MaxZoom,
		Provider: req.Provider,
	}
	if err := a.mgr.Registry().CreateRegion(r.Context(), region); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.mgr.Registry().Region(r.Context(), region.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := struct {
		registry.Region
		EstimatedTiles int `json:"estimated_tiles"`
	}{created, a.mgr.EstimateRegion(created)}
	respondJSON(w, http.StatusCreated, out)
}

func (a *API) handleListRegions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	regions, err := a.mgr.Registry().Regions(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if regions == nil {
		regions = []registry.Region{}
	}
	respondJSON(w, http.StatusOK, regions)
}

func (a *API) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	region, err := a.mgr.Registry().Region(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, region)
}

func (a *API) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.Registry().DeleteRegion(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadRegion starts an async bulk download for a stored region.
// The job runs on the server's lifetime context, not the request's.
func (a *API) handleDownloadRegion(w http.ResponseWriter, r *http.Request) {
	region, err := a.mgr.Registry().Region(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	prog, err := a.mgr.DownloadRegion(context.WithoutCancel(r.Context()), region)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, prog)
}

func (a *API) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.mgr.Jobs())
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	prog, ok := a.mgr.Job(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")
		return
	}
	respondJSON(w, http.StatusOK, prog)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if !a.mgr.CancelJob(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "unknown job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parsePage reads limit/offset query params for list endpoints.
func parsePage(q url.Values) (limit, offset int, err error) {
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("offset must be an integer")
		}
	}
	return limit, offset, nil
}

// parseTileFilter builds a registry filter from list-endpoint query params.
func parseTileFilter(q url.Values) (registry.TileFilter, error) {
	filter := registry.TileFilter{
		Provider: q.Get("provider"),
		Status:   q.Get("status"),
		RegionID: q.Get("region_id"),
		Zoom:     -1,
	}
	if raw := q.Get("zoom"); raw != "" {
		z, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("zoom must be an integer")
		}
		filter.Zoom = z
	}
	if raw := q.Get("bbox"); raw != "" {
		b, err := tilemath.ParseBBox(raw)
		if err != nil {
			return filter, err
		}
		filter.Bounds = &b
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("offset must be an integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

func (a *API) handleQueryTiles(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTileFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.respondTiles(w, r, filter)
}

func (a *API) respondTiles(w http.ResponseWriter, r *http.Request, filter registry.TileFilter) {
	rows, err := a.mgr.Registry().QueryTiles(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []registry.TileRecord{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// handleRegionStatus reports download progress for one region.
func (a *API) handleRegionStatus(w http.ResponseWriter, r *http.Request) {
	region, err := a.mgr.Registry().Region(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":          region.ID,
		"status":      region.Status,
		"tiles_total": region.TilesTotal,
		"tiles_done":  region.TilesDone,
		"last_error":  region.LastError,
		"updated_at":  region.UpdatedAt,
	})
}

// handleRegionTiles lists the region's tile records, with the usual filters.
func (a *API) handleRegionTiles(w http.ResponseWriter, r *http.Request) {
	region, err := a.mgr.Registry().Region(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	filter, err := parseTileFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.RegionID = region.ID
	a.respondTiles(w, r, filter)
}

// handleRegionCoverage verifies coverage over the region's own bounds. The
// zoom query param defaults to the region's max zoom.
func (a *API) handleRegionCoverage(w http.ResponseWriter, r *http.Request) {
	region, err := a.mgr.Registry().Region(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	zoom := region.MaxZoom
	if raw := r.URL.Query().Get("zoom"); raw != "" {
		z, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "zoom must be an integer")
			return
		}
		zoom = z
	}
	rep, err := a.mgr.VerifyCoverage(r.Context(), region.Provider, region.Bounds, zoom)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, err := tilemath.ParseBBox(q.Get("bbox"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	zoom, err := strconv.Atoi(q.Get("zoom"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "zoom must be an integer")
		return
	}

	rep, err := a.mgr.VerifyCoverage(r.Context(), q.Get("provider"), b, zoom)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := a.mgr.Cleanup(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}
