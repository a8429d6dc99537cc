package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"file-converter/internal/models"
)

// ErrNotFound is returned when no job carries the requested id.
var ErrNotFound = errors.New("conversion job not found")

// Memory owns the conversion job collection for the lifetime of a manager.
// A single RWMutex serialises writers, so at most one mutation touches a job at a time.
type Memory struct {
	mu      sync.RWMutex
	records map[int64]*record
	lastID  int64
	seq     uint64
	now     func() time.Time
}

type record struct {
	job models.ConversionJob
	// seq breaks ordering ties by insertion order.
	seq uint64
}

// NewMemory creates an empty collection. now stamps uploadedAt on create.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		records: make(map[int64]*record),
		now:     now,
	}
}

// Seed loads fixture jobs. Every job must satisfy the invariants and carry a unique positive id.
func (m *Memory) Seed(jobs []models.ConversionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range jobs {
		if job.ID <= 0 {
			return fmt.Errorf("seed job %q: id must be positive", job.FileName)
		}
		if _, exists := m.records[job.ID]; exists {
			return fmt.Errorf("seed job %d: duplicate id", job.ID)
		}
		if err := job.Validate(); err != nil {
			return fmt.Errorf("seed job %d: %w", job.ID, err)
		}
		m.insertLocked(job.Clone())
		if job.ID > m.lastID {
			m.lastID = job.ID
		}
	}
	return nil
}

// CreateParams collects inputs required to create a job.
type CreateParams struct {
	FileName     string
	FileSize     int64
	SourceFormat string
	TargetFormat string
	PreviewURL   *string
}

// Create appends a new uploading job. Ids come from a counter that never goes
// backwards, so a deleted id is never handed out again.
func (m *Memory) Create(p CreateParams) (models.ConversionJob, error) {
	source := models.NormalizeFormat(p.SourceFormat)
	target := models.NormalizeFormat(p.TargetFormat)
	switch {
	case p.FileSize < 0:
		return models.ConversionJob{}, models.NewValidationError("fileSize", "must not be negative")
	case source == "":
		return models.ConversionJob{}, models.NewValidationError("sourceFormat", "is required")
	case target == "":
		return models.ConversionJob{}, models.NewValidationError("targetFormat", "is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastID++
	job := models.ConversionJob{
		ID:           m.lastID,
		FileName:     p.FileName,
		FileSize:     p.FileSize,
		SourceFormat: source,
		TargetFormat: target,
		Status:       models.StatusUploading,
		Progress:     0,
		UploadedAt:   m.now().UTC(),
	}
	if p.PreviewURL != nil {
		v := *p.PreviewURL
		job.PreviewURL = &v
	}
	m.insertLocked(job)
	return job.Clone(), nil
}

// Get fetches a job by id.
func (m *Memory) Get(id int64) (models.ConversionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return models.ConversionJob{}, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	return rec.job.Clone(), nil
}

// Update merges a patch into the stored job. A patch that breaks the state
// machine leaves the stored job untouched.
func (m *Memory) Update(id int64, patch models.JobPatch) (models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return models.ConversionJob{}, fmt.Errorf("update job %d: %w", id, ErrNotFound)
	}
	next, err := patch.Apply(rec.job)
	if err != nil {
		return rec.job.Clone(), fmt.Errorf("update job %d: %w", id, err)
	}
	next.ID = id
	rec.job = next
	return next.Clone(), nil
}

// Delete removes a job.
func (m *Memory) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("delete job %d: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

// List returns every job, newest upload first.
func (m *Memory) List() []models.ConversionJob {
	m.mu.RLock()
	recs := m.snapshotLocked(nil)
	m.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].job.UploadedAt.Equal(recs[j].job.UploadedAt) {
			return recs[i].job.UploadedAt.After(recs[j].job.UploadedAt)
		}
		return recs[i].seq < recs[j].seq
	})
	return jobsOf(recs)
}

// Completed returns completed jobs, most recently completed first, at most limit of them.
func (m *Memory) Completed(limit int) []models.ConversionJob {
	m.mu.RLock()
	recs := m.snapshotLocked(func(j models.ConversionJob) bool {
		return j.Status == models.StatusCompleted
	})
	m.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].job.CompletedAt, recs[j].job.CompletedAt
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return recs[i].seq < recs[j].seq
	})
	if limit >= 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return jobsOf(recs)
}

func (m *Memory) insertLocked(job models.ConversionJob) {
	m.seq++
	m.records[job.ID] = &record{job: job, seq: m.seq}
}

func (m *Memory) snapshotLocked(keep func(models.ConversionJob) bool) []record {
	out := make([]record, 0, len(m.records))
	for _, rec := range m.records {
		if keep != nil && !keep(rec.job) {
			continue
		}
		out = append(out, record{job: rec.job.Clone(), seq: rec.seq})
	}
	return out
}

func jobsOf(recs []record) []models.ConversionJob {
	out := make([]models.ConversionJob, len(recs))
	for i, r := range recs {
		out[i] = r.job
	}
	return out
}
