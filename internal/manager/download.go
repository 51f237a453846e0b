package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tilevault/tilevault/internal/cache/keys"
	"github.com/tilevault/tilevault/internal/registry"
	"github.com/tilevault/tilevault/internal/tilemath"
)

// Job states.
const (
	JobRunning  = "running"
	JobComplete = "complete"
	JobFailed   = "failed"
	JobCanceled = "canceled"
)

// Job tracks one region download.
type Job struct {
	ID       string `json:"id"`
	RegionID string `json:"region_id"`
	Provider string `json:"provider"`

	mu         sync.Mutex
	status     string
	total      int
	done       int
	failed     int
	lastError  string
	startedAt  time.Time
	finishedAt time.Time

	cancel context.CancelFunc
}

// Progress is a point-in-time snapshot of a job.
type Progress struct {
	ID         string    `json:"id"`
	RegionID   string    `json:"region_id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (j *Job) snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{
		ID: j.ID, RegionID: j.RegionID, Provider: j.Provider,
		Status: j.status, Total: j.total, Done: j.done, Failed: j.failed,
		LastError: j.lastError, StartedAt: j.startedAt, FinishedAt: j.finishedAt,
	}
}

// Cancel stops the job's workers. Already-downloaded tiles stay on disk.
func (j *Job) Cancel() { j.cancel() }

type jobSet struct {
	mu sync.RWMutex
	m  map[string]*Job
}

func newJobSet() *jobSet { return &jobSet{m: map[string]*Job{}} }

func (s *jobSet) add(j *Job) {
	s.mu.Lock()
	s.m[j.ID] = j
	s.mu.Unlock()
}

func (s *jobSet) get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.m[id]
	return j, ok
}

func (s *jobSet) all() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.m))
	for _, j := range s.m {
		out = append(out, j)
	}
	return out
}

// Job returns a snapshot of one download job.
func (m *Manager) Job(id string) (Progress, bool) {
	j, ok := m.jobs.get(id)
	if !ok {
		return Progress{}, false
	}
	return j.snapshot(), true
}

// CancelJob stops a running job.
func (m *Manager) CancelJob(id string) bool {
	j, ok := m.jobs.get(id)
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

// Jobs lists all known jobs, newest first.
func (m *Manager) Jobs() []Progress {
	js := m.jobs.all()
	out := make([]Progress, 0, len(js))
	for _, j := range js {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// EstimateRegion returns the tile count a region download would cover.
func (m *Manager) EstimateRegion(r registry.Region) int {
	total := 0
	for z := r.MinZoom; z <= r.MaxZoom; z++ {
		total += tilemath.CoverCount(r.Bounds, z)
	}
	return total
}

// DownloadRegion starts an asynchronous bulk download for a stored region
// and returns the tracking job. ctx bounds the whole download, not just
// this call; pass the server's lifetime context.
func (m *Manager) DownloadRegion(ctx context.Context, r registry.Region) (Progress, error) {
	p, err := m.providers.Get(r.Provider)
	if err != nil {
		return Progress{}, err
	}
	if err := r.Bounds.Validate(); err != nil {
		return Progress{}, err
	}
	if r.MinZoom > r.MaxZoom {
		return Progress{}, fmt.Errorf("%w: zoom range %d..%d is inverted", ErrInvalidTile, r.MinZoom, r.MaxZoom)
	}
	if r.MaxZoom > p.MaxZoom() {
		return Progress{}, fmt.Errorf("%w: zoom %d above provider %s max %d", ErrInvalidTile, r.MaxZoom, p.Name(), p.MaxZoom())
	}

	total := m.EstimateRegion(r)
	if total > m.maxRegionTiles {
		return Progress{}, fmt.Errorf("%w: %d tiles, budget %d", ErrRegionTooLarge, total, m.maxRegionTiles)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		ID:        uuid.NewString(),
		RegionID:  r.ID,
		Provider:  p.Name(),
		status:    JobRunning,
		total:     total,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	m.jobs.add(j)

	if err := m.reg.UpdateRegionStatus(ctx, r.ID, registry.RegionDownloading, ""); err != nil {
		cancel()
		return Progress{}, err
	}
	if err := m.reg.UpdateRegionProgress(ctx, r.ID, total, 0); err != nil {
		cancel()
		return Progress{}, err
	}

	go m.runDownload(jobCtx, j, r)
	return j.snapshot(), nil
}

func (m *Manager) runDownload(ctx context.Context, j *Job, r registry.Region) {
	defer j.cancel()

	log := m.log.With().Str("job", j.ID).Str("region", r.ID).Str("provider", j.Provider).Logger()
	log.Info().Int("tiles", j.total).Msg("region download started")

	jobs := make(chan tilemath.Tile)
	var wg sync.WaitGroup
	wg.Add(m.workers)
	for range m.workers {
		go func() {
			defer wg.Done()
			for t := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				err := m.downloadOne(ctx, j, r, t)
				m.recordResult(ctx, j, r.ID, err)
			}
		}()
	}

feed:
	for z := r.MinZoom; z <= r.MaxZoom; z++ {
		for _, t := range tilemath.Cover(r.Bounds, z) {
			select {
			case jobs <- t:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	m.finishJob(ctx, j, r.ID, log)
}

// downloadOne fetches a single tile unless it is already on disk.
func (m *Manager) downloadOne(ctx context.Context, j *Job, r registry.Region, t tilemath.Tile) error {
	p, err := m.providers.Get(j.Provider)
	if err != nil {
		return err
	}
	if ok, size, err := m.disk.Exists(p.Name(), t, p.Format()); err == nil && ok {
		// already present; make sure the registry knows
		return m.reg.UpsertTile(ctx, registry.TileRecord{
			Provider:  p.Name(),
			Tile:      t,
			FilePath:  m.disk.Path(p.Name(), t, p.Format()),
			SizeBytes: size,
			Status:    registry.StatusReady,
			RegionID:  r.ID,
		})
	}
	_, err = m.fillTile(ctx, p, t, keys.Tile(p.Name(), t, ""), r.ID)
	return err
}

func (m *Manager) recordResult(ctx context.Context, j *Job, regionID string, err error) {
	j.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		j.failed++
		j.lastError = err.Error()
	} else if err == nil {
		j.done++
	}
	done, failed := j.done, j.failed
	j.mu.Unlock()

	// progress writes are throttled to one per 25 tiles
	if (done+failed)%25 == 0 {
		if err := m.reg.UpdateRegionProgress(ctx, regionID, j.total, done); err != nil && ctx.Err() == nil {
			m.log.Warn().Err(err).Str("region", regionID).Msg("update progress")
		}
	}
}

func (m *Manager) finishJob(ctx context.Context, j *Job, regionID string, log zerolog.Logger) {
	j.mu.Lock()
	switch {
	case ctx.Err() != nil:
		j.status = JobCanceled
	case j.failed > 0 && j.done == 0:
		j.status = JobFailed
	default:
		j.status = JobComplete
	}
	j.finishedAt = time.Now()
	status, done, failed, lastError := j.status, j.done, j.failed, j.lastError
	j.mu.Unlock()

	// the job ctx is done once workers exit; use a short independent window
	// so the final registry write still lands
	finCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	regionStatus := registry.RegionComplete
	switch status {
	case JobFailed:
		regionStatus = registry.RegionFailed
	case JobCanceled:
		regionStatus = registry.RegionPending
	}
	if err := m.reg.UpdateRegionProgress(finCtx, regionID, j.total, done); err != nil {
		m.log.Warn().Err(err).Str("region", regionID).Msg("final progress")
	}
	if err := m.reg.UpdateRegionStatus(finCtx, regionID, regionStatus, lastError); err != nil {
		m.log.Warn().Err(err).Str("region", regionID).Msg("final status")
	}

	log.Info().
		Str("status", status).
		Int("done", done).
		Int("failed", failed).
		Msg("region download finished")
}
