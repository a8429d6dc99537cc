package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"file-converter/internal/events"
	"file-converter/internal/models"
	"file-converter/internal/seed"
	"file-converter/internal/store"
	"file-converter/internal/telemetry"
	"file-converter/internal/worker"
)

const (
	defaultMaxFileSize = 10 * 1024 * 1024
	publishTimeout     = 2 * time.Second
)

var extension = regexp.MustCompile(`\.[^/.]+$`)

// Settings are the tunables a Manager is built with.
type Settings struct {
	MaxFileSize       int64
	MaxConcurrentJobs int
	DownloadBasePath  string
	PreviewBasePath   string
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the clock that stamps jobs and times checkpoints.
func WithClock(clk clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithStage sets the work run before each checkpoint is applied.
func WithStage(stage worker.Stage) Option {
	return func(m *Manager) { m.stage = stage }
}

// WithSchedule replaces the default checkpoint delays.
func WithSchedule(s worker.Schedule) Option {
	return func(m *Manager) { m.schedule = s }
}

// WithPublisher sets where job events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCatalog restricts conversions to the pairs the catalog lists.
func WithCatalog(c *seed.Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// Manager owns the conversion job collection and drives jobs through
// uploading, processing and a terminal state.
type Manager struct {
	jobs      *store.Memory
	catalog   *seed.Catalog
	clock     clockwork.Clock
	schedule  worker.Schedule
	stage     worker.Stage
	publisher events.Publisher
	logger    *slog.Logger

	maxFileSize  int64
	downloadBase string
	previewBase  string

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Manager with an empty collection.
func New(settings Settings, opts ...Option) *Manager {
	m := &Manager{
		clock:        clockwork.NewRealClock(),
		schedule:     worker.DefaultSchedule(),
		stage:        worker.Passthrough,
		publisher:    events.Nop{},
		logger:       slog.Default(),
		maxFileSize:  settings.MaxFileSize,
		downloadBase: strings.TrimSuffix(settings.DownloadBasePath, "/"),
		previewBase:  strings.TrimSuffix(settings.PreviewBasePath, "/"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxFileSize <= 0 {
		m.maxFileSize = defaultMaxFileSize
	}
	if settings.DownloadBasePath == "" {
		m.downloadBase = "/downloads"
	}
	if settings.PreviewBasePath == "" {
		m.previewBase = "/previews"
	}
	workers := settings.MaxConcurrentJobs
	if workers < 1 {
		workers = 1
	}
	m.sem = make(chan struct{}, workers)
	m.jobs = store.NewMemory(m.clock.Now)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Seed loads fixture jobs. Ids created afterwards are greater than every seeded id.
func (m *Manager) Seed(jobs []models.ConversionJob) error {
	return m.jobs.Seed(jobs)
}

// List returns every job, newest upload first.
func (m *Manager) List() []models.ConversionJob {
	return m.jobs.List()
}

func (m *Manager) Get(id int64) (models.ConversionJob, error) {
	return m.jobs.Get(id)
}

// Create adds a job in uploading status with progress 0.
func (m *Manager) Create(p store.CreateParams) (models.ConversionJob, error) {
	job, err := m.jobs.Create(p)
	if err != nil {
		return models.ConversionJob{}, err
	}
	telemetry.JobsCreated.Inc()
	m.logger.Info("job created", "job_id", job.ID, "file", job.FileName, "source", job.SourceFormat, "target", job.TargetFormat)
	m.publish(models.EventJobCreated, job)
	return job, nil
}

// Update merges patch into the job. Forbidden transitions and broken
// invariants are rejected and leave the job as it was.
func (m *Manager) Update(id int64, patch models.JobPatch) (models.ConversionJob, error) {
	job, err := m.jobs.Update(id, patch)
	if err != nil {
		return models.ConversionJob{}, err
	}
	m.logger.Info("job updated", "job_id", job.ID, "status", job.Status, "progress", job.Progress)
	m.publish(models.EventJobUpdated, job)
	return job, nil
}

// Delete removes the job. A background run of a deleted job fails at its next checkpoint.
func (m *Manager) Delete(id int64) (bool, error) {
	job, err := m.jobs.Get(id)
	if err != nil {
		return false, err
	}
	if err := m.jobs.Delete(id); err != nil {
		return false, err
	}
	telemetry.JobsDeleted.Inc()
	m.logger.Info("job deleted", "job_id", id)
	m.publish(models.EventJobDeleted, job)
	return true, nil
}

// History returns at most limit completed jobs, most recent first.
func (m *Manager) History(limit int) []models.ConversionJob {
	if limit <= 0 {
		return []models.ConversionJob{}
	}
	return m.jobs.Completed(limit)
}

// Formats lists supported conversions, optionally only those starting from source.
func (m *Manager) Formats(source string) []models.Format {
	return m.catalog.ForSource(source)
}

// ProcessFile creates a job for file and walks it through every checkpoint,
// returning once it completes or fails. It shares the concurrency limit with
// Submit and is stopped by Close. If ctx ends first the job is left where it
// was and ctx's error is returned.
func (m *Manager) ProcessFile(ctx context.Context, file models.FileDescriptor, source, target string) (models.ConversionJob, error) {
	if err := m.track(); err != nil {
		return models.ConversionJob{}, err
	}
	defer m.wg.Done()

	if err := m.validate(file, source, target); err != nil {
		telemetry.UploadsRejected.Inc()
		return models.ConversionJob{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return models.ConversionJob{}, ctx.Err()
	}
	defer func() { <-m.sem }()

	job, err := m.create(file, source, target)
	if err != nil {
		return models.ConversionJob{}, err
	}
	return m.run(ctx, job)
}

// Submit creates the job and runs its checkpoints in the background.
func (m *Manager) Submit(file models.FileDescriptor, source, target string) (models.ConversionJob, error) {
	if err := m.track(); err != nil {
		return models.ConversionJob{}, err
	}

	job, err := m.start(file, source, target)
	if err != nil {
		m.wg.Done()
		return models.ConversionJob{}, err
	}
	go func() {
		defer m.wg.Done()
		select {
		case m.sem <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		defer func() { <-m.sem }()
		if _, err := m.run(m.ctx, job); err != nil {
			m.logger.Warn("background conversion ended early", "job_id", job.ID, "err", err)
		}
	}()
	return job, nil
}

// Close stops running conversions, background or not, and waits for them to return.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a run with Close. Callers must call m.wg.Done when it ends.
func (m *Manager) track() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wg.Add(1)
	return nil
}

func (m *Manager) start(file models.FileDescriptor, source, target string) (models.ConversionJob, error) {
	if err := m.validate(file, source, target); err != nil {
		telemetry.UploadsRejected.Inc()
		return models.ConversionJob{}, err
	}
	return m.create(file, source, target)
}

func (m *Manager) create(file models.FileDescriptor, source, target string) (models.ConversionJob, error) {
	preview := fmt.Sprintf("%s/%s.jpg", m.previewBase, baseName(file.Name))
	return m.Create(store.CreateParams{
		FileName:     file.Name,
		FileSize:     file.Size,
		SourceFormat: source,
		TargetFormat: target,
		PreviewURL:   &preview,
	})
}

func (m *Manager) validate(file models.FileDescriptor, source, target string) error {
	if file.Size < 0 {
		return models.NewValidationError("fileSize", "must not be negative")
	}
	if file.Size > m.maxFileSize {
		return models.NewValidationError("fileSize", fmt.Sprintf("%d bytes exceeds the %d byte limit", file.Size, m.maxFileSize))
	}
	if !m.catalog.Supports(source, target) {
		return models.NewValidationError("targetFormat", fmt.Sprintf("converting %s to %s is not supported",
			models.NormalizeFormat(source), models.NormalizeFormat(target)))
	}
	return nil
}

func (m *Manager) run(ctx context.Context, job models.ConversionJob) (models.ConversionJob, error) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	for _, cp := range m.schedule {
		started := m.clock.Now()
		if err := worker.Wait(ctx, m.clock, cp.Delay); err != nil {
			return m.abandon(job, err)
		}
		if err := m.stage(ctx, job, cp.Progress); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return m.abandon(job, err)
			}
			return m.fail(job, err)
		}
		next, err := m.jobs.Update(job.ID, m.checkpointPatch(job, cp))
		if err != nil {
			return m.fail(job, err)
		}
		telemetry.CheckpointDuration.Observe(m.clock.Since(started).Seconds())
		job = next
		m.logger.Debug("checkpoint reached", "job_id", job.ID, "status", job.Status, "progress", job.Progress)
		m.publish(models.EventJobUpdated, job)
	}

	telemetry.ConversionsCompleted.Inc()
	m.logger.Info("conversion completed", "job_id", job.ID, "download_url", *job.DownloadURL)
	return job, nil
}

func (m *Manager) checkpointPatch(job models.ConversionJob, cp worker.Checkpoint) models.JobPatch {
	progress := cp.Progress
	if !cp.Final() {
		status := models.StatusProcessing
		return models.JobPatch{Status: &status, Progress: &progress}
	}
	status := models.StatusCompleted
	completedAt := m.clock.Now().UTC()
	download := fmt.Sprintf("%s/%s.%s", m.downloadBase, baseName(job.FileName), job.TargetFormat)
	return models.JobPatch{
		Status:      &status,
		Progress:    &progress,
		CompletedAt: &completedAt,
		DownloadURL: &download,
	}
}

func (m *Manager) fail(job models.ConversionJob, cause error) (models.ConversionJob, error) {
	telemetry.ConversionsFailed.Inc()
	status := models.StatusError
	failed, err := m.jobs.Update(job.ID, models.JobPatch{Status: &status})
	if err != nil {
		m.logger.Error("mark job failed", "job_id", job.ID, "err", err)
		failed = job
	} else {
		m.publish(models.EventJobUpdated, failed)
	}
	m.logger.Warn("conversion failed", "job_id", job.ID, "err", cause)
	return failed, &ConversionError{JobID: job.ID, Err: cause}
}

func (m *Manager) abandon(job models.ConversionJob, cause error) (models.ConversionJob, error) {
	telemetry.ConversionsAbandoned.Inc()
	m.logger.Info("conversion abandoned", "job_id", job.ID, "status", job.Status, "progress", job.Progress)
	if current, err := m.jobs.Get(job.ID); err == nil {
		job = current
	}
	return job, cause
}

func (m *Manager) publish(kind string, job models.ConversionJob) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	evt := models.JobEvent{Type: kind, Job: job, HappenedAt: m.clock.Now().UTC()}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Warn("publish job event", "job_id", job.ID, "type", kind, "err", err)
	}
}

// baseName strips the final extension from a file name.
func baseName(name string) string {
	return extension.ReplaceAllString(name, "")
}
