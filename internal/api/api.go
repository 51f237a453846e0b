// Package api exposes the tile service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tilevault/tilevault/internal/cache/memcache"
	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/export"
	"github.com/tilevault/tilevault/internal/health"
	"github.com/tilevault/tilevault/internal/manager"
	"github.com/tilevault/tilevault/internal/middleware"
	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/tilemath"
)

type API struct {
	cfg      config.Config
	mgr      *manager.Manager
	exporter *export.Exporter
	mem      *memcache.Cache
	log      *slog.Logger
	ready    health.ReadinessReporter
}

func New(
	cfg config.Config,
	mgr *manager.Manager,
	exporter *export.Exporter,
	mem *memcache.Cache,
	log *slog.Logger,
	ready health.ReadinessReporter,
) *API {
	if ready == nil {
		ready = health.Always{}
	}
	return &API{cfg: cfg, mgr: mgr, exporter: exporter, mem: mem, log: log, ready: ready}
}

// Router assembles the middleware chain and all routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.Logging(a.log))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(a.ready))
	r.Get("/stats", a.handleStats)

	r.Get("/tiles/{provider}/{z}/{x}/{y}", a.handleTile)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/providers", a.handleProviders)
		r.Get("/providers/{name}", a.handleGetProvider)
		r.Get("/providers/{name}/preview", a.handlePreview)

		r.Get("/regions", a.handleListRegions)
		r.Post("/regions", a.handleCreateRegion)
		r.Get("/regions/{id}", a.handleGetRegion)
		r.Delete("/regions/{id}", a.handleDeleteRegion)
		r.Post("/regions/{id}/download", a.handleDownloadRegion)
		r.Get("/regions/{id}/status", a.handleRegionStatus)
		r.Get("/regions/{id}/tiles", a.handleRegionTiles)
		r.Get("/regions/{id}/coverage", a.handleRegionCoverage)

		r.Get("/jobs", a.handleListJobs)
		r.Get("/jobs/{id}", a.handleGetJob)
		r.Delete("/jobs/{id}", a.handleCancelJob)

		r.Get("/tiles", a.handleQueryTiles)
		r.Get("/verify", a.handleVerify)
		r.Post("/cleanup", a.handleCleanup)

		r.Post("/compare", a.handleCompare)
		r.Get("/compare", a.handleListComparisons)
		r.Post("/compare/best", a.handleBestMatch)
		r.Post("/compare/location", a.handleCompareLocation)

		r.Get("/export", a.handleExport)
		r.Get("/export/manifest", a.handleExportManifest)
	})

	return r
}

// handleTile serves one tile image, filling caches on the way.
func (a *API) handleTile(w http.ResponseWriter, r *http.Request) {
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errZ != nil || errX != nil || errY != nil {
		respondError(w, http.StatusBadRequest, "tile coordinates must be integers")
		return
	}

	data, format, err := a.mgr.FetchTile(r.Context(), chi.URLParam(r, "provider"), tilemath.Tile{Z: z, X: x, Y: y})
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", provider.ContentType(format))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

type providerResponse struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	MaxZoom     int    `json:"max_zoom"`
	TileSize    int    `json:"tile_size"`
	Format      string `json:"format"`
	RequiresKey bool   `json:"requires_key"`
	Enabled     bool   `json:"enabled"`
	Attribution string `json:"attribution,omitempty"`
}

func (a *API) handleProviders(w http.ResponseWriter, _ *http.Request) {
	var out []providerResponse
	for _, p := range a.mgr.Providers().All() {
		out = append(out, providerResponse{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			MaxZoom:     p.MaxZoom(),
			TileSize:    p.TileSize(),
			Format:      p.Format(),
			RequiresKey: p.RequiresKey(),
			Enabled:     p.Enabled(),
			Attribution: p.Attribution(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := a.mgr.Providers().Get(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, providerResponse{
		Name:        p.Name(),
		DisplayName: p.DisplayName(),
		MaxZoom:     p.MaxZoom(),
		TileSize:    p.TileSize(),
		Format:      p.Format(),
		RequiresKey: p.RequiresKey(),
		Enabled:     p.Enabled(),
		Attribution: p.Attribution(),
	})
}

// handlePreview resolves a point to tile coordinates for one provider and
// reports the upstream URL, footprint, and ground resolution there.
func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	p, err := a.mgr.Providers().Get(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	zoom, errZoom := strconv.Atoi(q.Get("zoom"))
	if errLat != nil || errLon != nil || errZoom != nil {
		respondError(w, http.StatusBadRequest, "lat, lon and zoom are required")
		return
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		respondError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if zoom < 0 || zoom > p.MaxZoom() {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("zoom must be 0..%d for %s", p.MaxZoom(), p.Name()))
		return
	}

	t := tilemath.AtCoords(lat, lon, zoom)
	url, err := p.TileURL(t)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"provider":     p.Name(),
		"tile":         t,
		"quadkey":      t.Quadkey(),
		"url":          url,
		"bounds":       t.Bounds(),
		"gsd_m_per_px": tilemath.GSD(lat, zoom, p.TileSize()),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.mgr.Registry().CountByStatus(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	files, bytes, err := a.mgr.Disk().Usage(r.URL.Query().Get("provider"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := map[string]any{
		"tiles_by_status": counts,
		"disk": map[string]any{
			"files": files,
			"bytes": bytes,
		},
		"jobs": len(a.mgr.Jobs()),
	}
	if a.mem != nil {
		out["memory_cache"] = a.mem.Stats()
	}
	if tr := a.mgr.Policy().Tracker; tr != nil {
		hot := map[string]any{"tracked": tr.Size()}
		if pc, ok := tr.(interface{ ByProvider() map[string]int }); ok {
			hot["by_provider"] = pc.ByProvider()
		}
		out["hotness"] = hot
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrUnknown), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrKeyRequired):
		return http.StatusForbidden
	case errors.Is(err, manager.ErrInvalidTile):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrRegionTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, export.ErrNoTiles):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
