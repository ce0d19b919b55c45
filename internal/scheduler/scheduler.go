package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/digitaltwin-dataspace/internal/artifact"
	"github.com/i474232898/digitaltwin-dataspace/internal/component"
	"github.com/i474232898/digitaltwin-dataspace/internal/index"
)

// Writer persists collected bytes.
type Writer interface {
	WriteResult(ctx context.Context, req artifact.WriteRequest) (index.Record, error)
}

// Options tunes the runtime.
type Options struct {
	// CollectTimeout bounds a single Collect call.
	CollectTimeout time.Duration
	// WriteTimeout bounds the write that follows a successful Collect.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CollectTimeout <= 0 {
		o.CollectTimeout = time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	return o
}

type job struct {
	producer component.Producer
	config   component.Configuration
	cadence  time.Duration
	busy     atomic.Bool
}

// Scheduler runs every registered producer on its own cadence. A tick that
// fires while the previous run of the same producer is still going is
// skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	writer    Writer
	metrics   *Metrics
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    []*job
	started bool

	runMu    sync.Mutex
	stopping bool
}

// New creates a new Scheduler. metrics may be nil.
func New(writer Writer, opts Options, metrics *Metrics, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	return &Scheduler{
		scheduler: s,
		writer:    writer,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "scheduler")),
		opts:      opts.withDefaults(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register validates p and adds it to the schedule. Producers must be
// registered before Start.
func (s *Scheduler) Register(p component.Producer) error {
	cfg := p.Configuration()
	if err := cfg.Validate(); err != nil {
		return err
	}
	cadence, err := component.ParseCadence(p.Schedule())
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started, cannot register %s", cfg.Name)
	}
	s.jobs = append(s.jobs, &job{producer: p, config: cfg, cadence: cadence})
	return nil
}

// Start schedules every registered producer and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		s.logger.Info("no producers registered; nothing to schedule")
		return nil
	}

	for _, j := range s.jobs {
		if _, err := s.scheduler.Every(j.cadence).Tag(j.config.Name).Do(s.run, j); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.config.Name, err)
		}
		s.logger.Info("producer scheduled",
			zap.String("producer", j.config.Name),
			zap.Duration("cadence", j.cadence),
		)
	}

	s.started = true
	s.scheduler.StartAsync()
	return nil
}

// Stop prevents new ticks and waits for in-flight runs. When ctx expires
// first, running collects are cancelled; a cancelled collect never writes.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	s.stopping = true
	s.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.scheduler.Stop()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout reached, cancelling in-flight collects")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// run executes one tick of j.
func (s *Scheduler) run(j *job) {
	name := j.config.Name
	if !s.enter() {
		return
	}
	defer s.wg.Done()

	if !j.busy.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in progress, skipping tick", zap.String("producer", name))
		s.metrics.observe(name, "skipped", 0)
		return
	}
	defer j.busy.Store(false)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CollectTimeout)
	defer cancel()

	start := time.Now()
	res := s.collect(ctx, j)
	elapsed := time.Since(start)

	switch res.Outcome {
	case component.OutcomeFailed:
		s.logger.Warn("collect failed",
			zap.String("producer", name),
			zap.Duration("duration", elapsed),
			zap.Error(res.Err),
		)
		s.metrics.observe(name, "failed", elapsed)
		return
	case component.OutcomeEmpty:
		s.logger.Debug("no new data", zap.String("producer", name))
		s.metrics.observe(name, "empty", elapsed)
		return
	}

	if ctx.Err() != nil {
		s.logger.Warn("collect cancelled before write", zap.String("producer", name), zap.Error(ctx.Err()))
		s.metrics.observe(name, "cancelled", elapsed)
		return
	}

	// the write itself is not interrupted by shutdown
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer writeCancel()

	rec, err := s.writer.WriteResult(writeCtx, artifact.WriteRequest{
		Dataset:   name,
		MediaType: j.config.ContentType,
		Data:      res.Data,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Error("failed to write result", zap.String("producer", name), zap.Error(err))
		s.metrics.observe(name, "write_failed", elapsed)
		return
	}

	s.logger.Info("artifact collected",
		zap.String("producer", name),
		zap.String("locator", rec.Locator),
		zap.Int("size", len(res.Data)),
		zap.Duration("duration", elapsed),
	)
	s.metrics.observe(name, "data", elapsed)
}

// enter registers an in-flight run unless the scheduler is stopping.
func (s *Scheduler) enter() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// collect converts panics into failures so one producer cannot take the
// process down.
func (s *Scheduler) collect(ctx context.Context, j *job) (res component.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = component.Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	return j.producer.Collect(ctx)
}
