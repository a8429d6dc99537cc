package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"file-converter/internal/models"
)

// checkpointProgress is the progress reached after each simulated step:
// upload finished, then three processing milestones ending in completion.
var checkpointProgress = []int{25, 50, 75, 100}

// DefaultDelays mirrors the latencies the UI was designed around.
var DefaultDelays = []time.Duration{
	500 * time.Millisecond,
	800 * time.Millisecond,
	600 * time.Millisecond,
	400 * time.Millisecond,
}

// Checkpoint is one discrete unit of simulated work.
type Checkpoint struct {
	Progress int
	Delay    time.Duration
}

// Final reports whether reaching this checkpoint completes the job.
func (c Checkpoint) Final() bool { return c.Progress == 100 }

// Schedule is the ordered list of checkpoints a conversion walks through.
type Schedule []Checkpoint

// NewSchedule pairs the fixed progress milestones with the given delays.
func NewSchedule(delays []time.Duration) (Schedule, error) {
	if len(delays) != len(checkpointProgress) {
		return nil, fmt.Errorf("expected %d checkpoint delays, got %d", len(checkpointProgress), len(delays))
	}
	s := make(Schedule, len(delays))
	for i, d := range delays {
		if d < 0 {
			return nil, fmt.Errorf("checkpoint %d: negative delay %s", i, d)
		}
		s[i] = Checkpoint{Progress: checkpointProgress[i], Delay: d}
	}
	return s, nil
}

// DefaultSchedule uses DefaultDelays.
func DefaultSchedule() Schedule {
	s, _ := NewSchedule(DefaultDelays)
	return s
}

// Wait blocks for d on clk, or until ctx is done.
func Wait(ctx context.Context, clk clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// Stage runs before a checkpoint is applied. An error fails the conversion.
type Stage func(ctx context.Context, job models.ConversionJob, progress int) error

// Stages dispatches to a stage registered for the job's target format.
type Stages struct {
	mu       sync.RWMutex
	handlers map[string]Stage
	fallback Stage
}

func NewStages(fallback Stage) *Stages {
	if fallback == nil {
		fallback = Passthrough
	}
	return &Stages{
		handlers: make(map[string]Stage),
		fallback: fallback,
	}
}

// Register binds a stage to a target format token.
func (s *Stages) Register(targetFormat string, stage Stage) {
	target := models.NormalizeFormat(targetFormat)
	if target == "" || stage == nil {
		return
	}
	s.mu.Lock()
	s.handlers[target] = stage
	s.mu.Unlock()
}

// Run executes the stage for job.
func (s *Stages) Run(ctx context.Context, job models.ConversionJob, progress int) error {
	s.mu.RLock()
	stage, ok := s.handlers[job.TargetFormat]
	s.mu.RUnlock()
	if !ok {
		stage = s.fallback
	}
	return stage(ctx, job, progress)
}

var rasterFormats = map[string]bool{"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true}

// IsRaster reports whether format is a raster image token.
func IsRaster(format string) bool {
	return rasterFormats[models.NormalizeFormat(format)]
}

// CatalogStages routes every raster target listed in formats to raster and
// everything else to fallback.
func CatalogStages(formats []models.Format, fallback, raster Stage) *Stages {
	s := NewStages(fallback)
	for _, f := range formats {
		if IsRaster(f.TargetFormat) {
			s.Register(f.TargetFormat, raster)
		}
	}
	return s
}

// Passthrough succeeds unless ctx is done.
func Passthrough(ctx context.Context, _ models.ConversionJob, _ int) error {
	return ctx.Err()
}

// Simulator fails each checkpoint with a fixed probability.
type Simulator struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	failureRate float64
}

func NewSimulator(failureRate float64, seed int64) *Simulator {
	return &Simulator{
		rnd:         rand.New(rand.NewSource(seed)),
		failureRate: failureRate,
	}
}

// Stage is a Stage that applies the simulated failure rate.
func (s *Simulator) Stage(ctx context.Context, job models.ConversionJob, progress int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failureRate <= 0 {
		return nil
	}
	s.mu.Lock()
	roll := s.rnd.Float64()
	s.mu.Unlock()
	if roll < s.failureRate {
		return fmt.Errorf("simulated failure converting %s to %s at %d%%", job.SourceFormat, job.TargetFormat, progress)
	}
	return nil
}
