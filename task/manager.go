package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mediascribe/config"
	"mediascribe/logging"

	"go.uber.org/zap"
)

var (
	ErrEmptyMediaRef = errors.New("media reference is required")
	ErrNoPipeline    = errors.New("no pipeline registered for engine")
)

// Pipeline runs one engine's stages for a job and returns the transcript.
type Pipeline interface {
	Run(ctx context.Context, job Job) (string, error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, job Job) (string, error)

func (f PipelineFunc) Run(ctx context.Context, job Job) (string, error) { return f(ctx, job) }

// Recorder observes task lifecycle events.
type Recorder interface {
	TaskCreated(engine string)
	TaskStarted(engine string)
	TaskFinished(engine, status string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) TaskCreated(string)                         {}
func (nopRecorder) TaskStarted(string)                         {}
func (nopRecorder) TaskFinished(string, string, time.Duration) {}

// Manager creates tasks and runs their pipelines in the background.
type Manager struct {
	cfg       *config.Config
	reg       *Registry
	log       *zap.Logger
	rec       Recorder
	pipelines map[string]Pipeline
	fallback  string
	sem       chan struct{}

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, reg *Registry, log *zap.Logger, rec Recorder) *Manager {
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		reg:       reg,
		log:       log,
		rec:       rec,
		pipelines: make(map[string]Pipeline),
		fallback:  cfg.DefaultEngine,
		baseCtx:   context.Background(),
	}
	if cfg.MaxConcurrency > 0 {
		m.sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	return m
}

// Register binds a pipeline to an engine name. Names are case-insensitive.
func (m *Manager) Register(engine string, p Pipeline) {
	m.pipelines[normalizeEngine(engine)] = p
}

// SetDefault selects the engine used when a request names none or an
// unknown one.
func (m *Manager) SetDefault(engine string) {
	m.fallback = normalizeEngine(engine)
}

// Registry exposes the registry backing the manager.
func (m *Manager) Registry() *Registry { return m.reg }

// Engines returns the registered engine names.
func (m *Manager) Engines() []string {
	out := make([]string, 0, len(m.pipelines))
	for name := range m.pipelines {
		out = append(out, name)
	}
	return out
}

// Start launches the retention sweep and ties running tasks to ctx: when ctx
// ends every in-flight task is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.log.Info("task manager started",
		zap.Int("max_concurrency", m.cfg.MaxConcurrency),
		zap.String("default_engine", m.fallback),
		zap.Duration("retention", m.cfg.TaskRetention))
	if m.cfg.TaskRetention > 0 {
		go m.cleanupLoop(ctx)
	}
}

// Wait blocks until every scheduled task has finished.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(max(m.cfg.TaskRetention/4, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			if n := m.reg.Sweep(m.cfg.TaskRetention); n > 0 {
				m.log.Info("swept finished tasks", zap.Int("removed", n))
			}
		}
	}
}

// Submit creates a task and schedules its pipeline. It returns as soon as
// the task is registered.
func (m *Manager) Submit(mediaRef string, params Params) (Snapshot, error) {
	mediaRef = strings.TrimSpace(mediaRef)
	if mediaRef == "" {
		return Snapshot{}, ErrEmptyMediaRef
	}
	engine, p, err := m.resolve(params.String("engine"))
	if err != nil {
		return Snapshot{}, err
	}

	snap := m.reg.Create(engine)
	m.rec.TaskCreated(engine)

	m.mu.Lock()
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Unlock()
	m.reg.bindCancel(snap.ID, cancel)

	job := Job{
		ID:       snap.ID,
		MediaRef: mediaRef,
		Engine:   engine,
		Params:   params,
		Reporter: m.reg.Reporter(snap.ID),
	}
	m.log.Info("task submitted", zap.String("task_id", snap.ID), zap.String("engine", engine))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.process(ctx, job, p)
	}()
	return snap, nil
}

// Cancel raises the cancel flag of a task.
func (m *Manager) Cancel(taskID string) (Status, error) {
	status, err := m.reg.RequestCancel(taskID)
	if err == nil && status == StatusCanceling {
		m.log.Info("cancellation requested", zap.String("task_id", taskID))
	}
	return status, err
}

func (m *Manager) Get(taskID string) (Snapshot, error) { return m.reg.Snapshot(taskID) }

func (m *Manager) List() []Snapshot { return m.reg.List() }

func (m *Manager) resolve(engine string) (string, Pipeline, error) {
	engine = normalizeEngine(engine)
	if p, ok := m.pipelines[engine]; ok && engine != "" {
		return engine, p, nil
	}
	if p, ok := m.pipelines[m.fallback]; ok {
		return m.fallback, p, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrNoPipeline, m.fallback)
}

func (m *Manager) process(ctx context.Context, job Job, p Pipeline) {
	log := logging.ForTask(m.log, job.ID, job.Engine)

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-ctx.Done():
			m.finish(log, job, "", ErrCanceled, false)
			return
		}
	}

	m.reg.Start(job.ID)
	m.rec.TaskStarted(job.Engine)
	job.Reporter.Report(5, "task started")

	content, err := m.run(ctx, job, p)
	m.finish(log, job, content, err, true)
}

func (m *Manager) run(ctx context.Context, job Job, p Pipeline) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(KindInternal, "pipeline panic: %v", r)
		}
	}()
	if err := job.Reporter.Check(); err != nil {
		return "", err
	}
	return p.Run(ctx, job)
}

func (m *Manager) finish(log *zap.Logger, job Job, content string, err error, started bool) {
	if err == nil && strings.TrimSpace(content) == "" {
		err = Errorf(KindEmptyResult, "transcription returned no text")
	}
	// A stage aborted by the fired cancel func surfaces as context.Canceled.
	if err != nil && errors.Is(err, context.Canceled) && job.Reporter.Canceled() {
		err = ErrCanceled
	}

	var o Outcome
	switch {
	case err == nil:
		o = Outcome{Status: StatusSuccess, Code: 200, Content: strings.TrimSpace(content)}
	case errors.Is(err, ErrCanceled):
		o = Outcome{Status: StatusCanceled, Code: CodeCanceled, Detail: ErrCanceled.Error()}
	default:
		o = Outcome{Status: StatusFailed, Code: KindOf(err).Code(), Detail: err.Error()}
	}

	if !m.reg.Finish(job.ID, o) {
		return
	}
	snap, _ := m.reg.Snapshot(job.ID)
	if started {
		m.rec.TaskFinished(job.Engine, string(o.Status), time.Duration(snap.ProcessTime*float64(time.Second)))
	}

	switch o.Status {
	case StatusSuccess:
		log.Info("task completed", zap.Float64("process_time", snap.ProcessTime), zap.Int("content_len", len(o.Content)))
	case StatusCanceled:
		log.Info("task canceled", zap.Float64("process_time", snap.ProcessTime))
	default:
		log.Warn("task failed",
			zap.Error(err),
			zap.Stringer("kind", KindOf(err)),
			zap.Int("code", o.Code),
			zap.Float64("process_time", snap.ProcessTime))
	}
}

func normalizeEngine(engine string) string {
	return strings.ToLower(strings.TrimSpace(engine))
}
