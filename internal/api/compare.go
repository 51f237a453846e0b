package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tilevault/tilevault/internal/compare"
	"github.com/tilevault/tilevault/internal/export"
	"github.com/tilevault/tilevault/internal/provider"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/tilemath"
)

type compareRequest struct {
	ProviderA string        `json:"provider_a"`
	ProviderB string        `json:"provider_b"`
	Tile      tilemath.Tile `json:"tile"`
	// Persist controls whether the result is recorded for later listing.
	Persist bool `json:"persist"`
}

// handleCompare fetches the same tile from two providers and scores their
// similarity.
func (a *API) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	dataA, _, err := a.mgr.FetchTile(r.Context(), req.ProviderA, req.Tile)
	if err != nil {
		respondError(w, statusFor(err), "provider_a: "+err.Error())
		return
	}
	dataB, _, err := a.mgr.FetchTile(r.Context(), req.ProviderB, req.Tile)
	if err != nil {
		respondError(w, statusFor(err), "provider_b: "+err.Error())
		return
	}

	metrics, err := compare.Bytes(dataA, dataB)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out := registry.Comparison{
		ProviderA:     req.ProviderA,
		ProviderB:     req.ProviderB,
		Tile:          req.Tile,
		MSE:           metrics.MSE,
		PSNR:          metrics.PSNR,
		SSIM:          metrics.SSIM,
		HistogramCorr: metrics.HistogramCorrelation,
	}
	if req.Persist {
		id, err := a.mgr.Registry().InsertComparison(r.Context(), out)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.ID = id
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleListComparisons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	rows, err := a.mgr.Registry().Comparisons(r.Context(), q.Get("provider_a"), q.Get("provider_b"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []registry.Comparison{}
	}
	respondJSON(w, http.StatusOK, rows)
}

type bestMatchRequest struct {
	Reference  string        `json:"reference"`
	Candidates []string      `json:"candidates"`
	Tile       tilemath.Tile `json:"tile"`
}

// handleBestMatch ranks candidate providers against a reference for one
// tile.
func (a *API) handleBestMatch(w http.ResponseWriter, r *http.Request) {
	var req bestMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Candidates) == 0 {
		respondError(w, http.StatusBadRequest, "candidates are required")
		return
	}

	ref, _, err := a.mgr.FetchTile(r.Context(), req.Reference, req.Tile)
	if err != nil {
		respondError(w, statusFor(err), "reference: "+err.Error())
		return
	}
	candidates := make(map[string][]byte, len(req.Candidates))
	for _, name := range req.Candidates {
		data, _, err := a.mgr.FetchTile(r.Context(), name, req.Tile)
		if err != nil {
			respondError(w, statusFor(err), name+": "+err.Error())
			return
		}
		candidates[name] = data
	}

	ranked, err := compare.FindBestMatch(ref, candidates)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"reference": req.Reference,
		"tile":      req.Tile,
		"best":      ranked[0].Name,
		"ranking":   ranked,
	})
}

// handleCompareLocation scores every provider pair with imagery on disk for
// the tile containing a point.
func (a *API) handleCompareLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lat  float64 `json:"lat"`
		Lon  float64 `json:"lon"`
		Zoom int     `json:"zoom"`
		// Providers narrows the candidates; empty means all of them.
		Providers []string `json:"providers,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
		respondError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if req.Zoom < 0 || req.Zoom > tilemath.MaxZoom {
		respondError(w, http.StatusBadRequest, "zoom out of range")
		return
	}
	t := tilemath.AtCoords(req.Lat, req.Lon, req.Zoom)

	var candidates []provider.Provider
	if len(req.Providers) == 0 {
		candidates = a.mgr.Providers().All()
	} else {
		for _, name := range req.Providers {
			p, err := a.mgr.Providers().Get(name)
			if err != nil {
				respondError(w, statusFor(err), err.Error())
				return
			}
			candidates = append(candidates, p)
		}
	}

	var names []string
	var images [][]byte
	for _, p := range candidates {
		data, err := a.mgr.Disk().Read(p.Name(), t, p.Format())
		if err != nil {
			continue
		}
		names = append(names, p.Name())
		images = append(images, data)
	}
	if len(names) < 2 {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("need at least two providers with tile %s on disk, have %d", t, len(names)))
		return
	}

	var pairs []registry.Comparison
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			m, err := compare.Bytes(images[i], images[j])
			if err != nil {
				respondError(w, http.StatusUnprocessableEntity,
					names[i]+" vs "+names[j]+": "+err.Error())
				return
			}
			pairs = append(pairs, registry.Comparison{
				ProviderA:     names[i],
				ProviderB:     names[j],
				Tile:          t,
				MSE:           m.MSE,
				PSNR:          m.PSNR,
				SSIM:          m.SSIM,
				HistogramCorr: m.HistogramCorrelation,
			})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tile":  t,
		"pairs": pairs,
	})
}

// parseExportOptions reads the shared export query params.
func parseExportOptions(q url.Values) (export.Options, error) {
	b, err := tilemath.ParseBBox(q.Get("bbox"))
	if err != nil {
		return export.Options{}, err
	}
	minZoom, err := strconv.Atoi(q.Get("min_zoom"))
	if err != nil {
		return export.Options{}, errors.New("min_zoom must be an integer")
	}
	maxZoom, err := strconv.Atoi(q.Get("max_zoom"))
	if err != nil {
		return export.Options{}, errors.New("max_zoom must be an integer")
	}
	opts := export.Options{
		Provider: q.Get("provider"),
		Bounds:   b,
		MinZoom:  minZoom,
		MaxZoom:  maxZoom,
		RegionID: q.Get("region_id"),
	}
	if raw := q.Get("h3_res"); raw != "" {
		res, err := strconv.Atoi(raw)
		if err != nil {
			return export.Options{}, errors.New("h3_res must be an integer")
		}
		opts.H3Resolution = res
	}
	return opts, nil
}

// handleExportManifest describes the archive an export would produce without
// building it.
func (a *API) handleExportManifest(w http.ResponseWriter, r *http.Request) {
	opts, err := parseExportOptions(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	man, err := a.exporter.Describe(r.Context(), opts)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, man)
}

// handleExport streams a zip archive of on-disk tiles for a bbox.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	opts, err := parseExportOptions(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="tiles.zip"`)

	// validation and the disk scan happen before the first archive byte, so
	// most failures can still produce a clean error response
	lw := &lazyWriter{w: w}
	if _, err := a.exporter.WriteArchive(r.Context(), lw, opts); err != nil {
		if !lw.wrote {
			w.Header().Del("Content-Disposition")
			respondError(w, statusFor(err), err.Error())
			return
		}
		a.log.ErrorContext(r.Context(), "export failed mid-stream", "err", err)
	}
}

type lazyWriter struct {
	w     http.ResponseWriter
	wrote bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	l.wrote = true
	return l.w.Write(p)
}
