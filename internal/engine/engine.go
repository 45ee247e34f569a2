package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbaille/classifier/internal/classifier"
	"github.com/pbaille/classifier/internal/config"
	"github.com/pbaille/classifier/internal/domain"
	"github.com/pbaille/classifier/internal/loop"
	"github.com/pbaille/classifier/internal/observe"
)

var (
	// ErrJobNotFound is returned for unknown, reaped and cancelled jobs
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotTerminal is returned when removing a job that may still run
	ErrJobNotTerminal = errors.New("job is not finished")
)

// Store is the part of the item cache the engine reads and writes
type Store interface {
	TrainingCorpus(ctx context.Context, tagID int64) (*domain.TrainingCorpus, error)
	Background(ctx context.Context, limit int, exclude map[int64]bool) (map[int64]domain.Tokens, error)
	CountTokenizedEntries(ctx context.Context) (int, error)
	EachTokenizedEntry(ctx context.Context, fn func(entryID int64, tokens domain.Tokens) error) error
	ReplaceTaggingsForTag(ctx context.Context, tagID int64, taggings []domain.Tagging) error
	Tokens(ctx context.Context, entryID int64) (domain.Tokens, error)
	UpsertTagging(ctx context.Context, tagging domain.Tagging) error
}

// Engine runs classification jobs in background workers
type Engine struct {
	store  Store
	clf    classifier.Classifier
	cfg    config.Engine
	logger *log.Logger
	tracer trace.Tracer
	meter  metric.Meter
	now    func() time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	jobs      map[string]*job
	queue     []string
	suspended bool
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	workers   sync.WaitGroup

	// taggers of tags classified at least once, for new entries
	taggersMu sync.RWMutex
	taggers   map[int64]*classifier.Tagger

	tagLocksMu sync.Mutex
	tagLocks   map[int64]*sync.Mutex

	jobsCounter metric.Int64Counter
	jobDuration metric.Float64Histogram
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTelemetry sets the meter and tracer
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(e *Engine) {
		e.tracer = tel.Tracer
		e.meter = tel.Meter
	}
}

// New creates a stopped engine
func New(st Store, clf classifier.Classifier, cfg config.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		clf:      clf,
		cfg:      cfg,
		logger:   observe.Discard(),
		now:      time.Now,
		jobs:     make(map[string]*job),
		taggers:  make(map[int64]*classifier.Tagger),
		tagLocks: make(map[int64]*sync.Mutex),
	}
	e.cond = sync.NewCond(&e.mu)

	noop := observe.Noop()
	e.tracer = noop.Tracer
	e.meter = noop.Meter

	for _, opt := range opts {
		opt(e)
	}
	if err := e.initMetrics(); err != nil {
		e.logger.Warnf("engine metrics: %v", err)
	}
	return e
}

func (e *Engine) initMetrics() error {
	var cerr, herr error
	e.jobsCounter, cerr = e.meter.Int64Counter(
		"engine.jobs",
		metric.WithDescription("Classification jobs by final status"),
		metric.WithUnit("{job}"),
	)
	e.jobDuration, herr = e.meter.Float64Histogram(
		"engine.job.duration_ms",
		metric.WithDescription("Classification job duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return errors.Join(cerr, herr)
}

// Start launches the workers. Jobs run with a context derived from ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < max(e.cfg.Workers, 1); i++ {
		e.workers.Add(1)
		go e.work(ctx)
	}
	e.logger.Infof("classification engine started with %d workers", max(e.cfg.Workers, 1))
}

// Stop cancels running jobs and waits for the workers to exit
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.cancel()
	e.cond.Broadcast()
	e.mu.Unlock()

	e.workers.Wait()
	e.logger.Infof("classification engine stopped")
}

// IsRunning reports whether the workers are started and not stopped
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// IsSuspended reports whether job pickup is paused
func (e *Engine) IsSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Suspend stops workers from picking up new jobs. Running jobs finish.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = true
}

// Resume lets workers pick up jobs again
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = false
	e.cond.Broadcast()
}

// CreateJob queues a job classifying every tokenized entry against tagID
func (e *Engine) CreateJob(tagID int64) domain.Job {
	j := &job{state: domain.Job{
		ID:        uuid.NewString(),
		TagID:     tagID,
		Status:    domain.JobWaiting,
		CreatedAt: e.now().UTC(),
	}}

	e.mu.Lock()
	e.jobs[j.state.ID] = j
	e.queue = append(e.queue, j.state.ID)
	e.cond.Signal()
	e.mu.Unlock()

	e.logger.Debugf("created job %s for tag %d", j.state.ID, tagID)
	return j.snapshot()
}

// Job returns a snapshot of a job
func (e *Engine) Job(id string) (domain.Job, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	snap := j.snapshot()
	if snap.Status == domain.JobCancelled {
		return domain.Job{}, ErrJobNotFound
	}
	return snap, nil
}

// CancelJob cancels a waiting or running job. A running job stops without
// touching taggings.
func (e *Engine) CancelJob(id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok || !j.abort(e.now().UTC()) {
		return ErrJobNotFound
	}
	e.logger.Infof("cancelled job %s", id)
	return nil
}

// RemoveJob forgets a complete or failed job
func (e *Engine) RemoveJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch j.status() {
	case domain.JobCancelled:
		return ErrJobNotFound
	case domain.JobComplete, domain.JobFailed:
		delete(e.jobs, id)
		return nil
	default:
		return ErrJobNotTerminal
	}
}

// NumJobs returns the number of jobs the engine holds
func (e *Engine) NumJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// NumWaiting returns the number of jobs waiting for a worker
func (e *Engine) NumWaiting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range e.queue {
		if j, ok := e.jobs[id]; ok && j.status() == domain.JobWaiting {
			n++
		}
	}
	return n
}

// RunReaper forgets finished jobs older than job_retention until ctx is
// done. A zero retention keeps jobs until they are removed.
func (e *Engine) RunReaper(ctx context.Context) {
	retention := e.cfg.JobRetention.D()
	interval := e.cfg.ReapInterval.D()
	if retention <= 0 || interval <= 0 {
		return
	}
	loop.Every(ctx, interval, func(context.Context) error {
		if n := e.reap(e.now().Add(-retention)); n > 0 {
			e.logger.Debugf("reaped %d jobs", n)
		}
		return nil
	}, nil)
}

// reap forgets terminal jobs that finished before deadline
func (e *Engine) reap(deadline time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, j := range e.jobs {
		snap := j.snapshot()
		if snap.Status.Terminal() && snap.FinishedAt != nil && snap.FinishedAt.Before(deadline) {
			delete(e.jobs, id)
			n++
		}
	}
	return n
}

// next blocks until a job can run. It returns nil once the engine stops.
func (e *Engine) next() *job {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.stopped {
			return nil
		}
		if !e.suspended && len(e.queue) > 0 {
			id := e.queue[0]
			e.queue = e.queue[1:]
			j, ok := e.jobs[id]
			if !ok {
				continue
			}
			if j.status() == domain.JobCancelled {
				delete(e.jobs, id)
				continue
			}
			return j
		}
		e.cond.Wait()
	}
}

func (e *Engine) work(ctx context.Context) {
	defer e.workers.Done()
	for {
		j := e.next()
		if j == nil {
			return
		}
		e.run(ctx, j)
	}
}

// forget drops a job once it is cancelled
func (e *Engine) forget(j *job) {
	if j.status() != domain.JobCancelled {
		return
	}
	e.mu.Lock()
	delete(e.jobs, j.snapshot().ID)
	e.mu.Unlock()
}

func (e *Engine) tagLock(tagID int64) *sync.Mutex {
	e.tagLocksMu.Lock()
	defer e.tagLocksMu.Unlock()
	l, ok := e.tagLocks[tagID]
	if !ok {
		l = &sync.Mutex{}
		e.tagLocks[tagID] = l
	}
	return l
}
