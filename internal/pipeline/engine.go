package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/shipwright/internal/model"
	"github.com/seantiz/shipwright/internal/store"
)

const (
	// DefaultMaxInFlight bounds concurrently executing runs.
	DefaultMaxInFlight = 8

	// DefaultCacheSize is the number of recent run snapshots kept in memory.
	DefaultCacheSize = 512
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	MaxInFlight int
	CacheSize   int
}

// Engine schedules pipeline runs in the background and answers status
// queries about them.
type Engine struct {
	runs     store.RunStore
	pipeline *Pipeline
	logger   *slog.Logger
	wg       sync.WaitGroup
	running  atomic.Int64
	broker   *EventBroker
	sem      *semaphore.Weighted
	locks    *keyLock
	recent   *lru.Cache[string, model.Run]
	latest   *lru.Cache[string, string]
}

// NewEngine creates an engine that records runs in runs and executes them
// with p.
func NewEngine(runs store.RunStore, p *Pipeline, logger *slog.Logger, opts EngineOptions) (*Engine, error) {
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	recent, err := lru.New[string, model.Run](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create run cache: %w", err)
	}
	latest, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create task cache: %w", err)
	}

	return &Engine{
		runs:     runs,
		pipeline: p,
		logger:   logger,
		broker:   NewEventBroker(),
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		locks:    newKeyLock(),
		recent:   recent,
		latest:   latest,
	}, nil
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit records a run in state received and starts its pipeline in a
// goroutine. It does not wait for the in-flight bound or the task lock.
func (e *Engine) Submit(ctx context.Context, req model.TaskRequest) (*model.Run, error) {
	if !model.ValidRound(req.Round) {
		return nil, fmt.Errorf("%w: unsupported round %d", ErrInvalidRequest, req.Round)
	}

	run := &model.Run{
		ID:        model.NewID(),
		TaskID:    req.TaskID,
		Round:     req.Round,
		State:     model.StateReceived,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.remember(*run)
	e.latest.Add(run.TaskID, run.ID)
	e.broker.Open(run.ID)
	tasksAccepted.WithLabelValues(roundLabel(req.Round)).Inc()

	runCopy := *run
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(&runCopy, req)
	}()

	return run, nil
}

// InFlight reports how many runs hold an execution slot.
func (e *Engine) InFlight() int {
	return int(e.running.Load())
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// GetRun returns a run by ID, from the recent-run cache when possible.
func (e *Engine) GetRun(ctx context.Context, id string) (*model.Run, error) {
	if r, ok := e.recent.Get(id); ok {
		return &r, nil
	}
	return e.runs.GetRun(ctx, id)
}

// Status returns the most recently submitted run for taskID.
func (e *Engine) Status(ctx context.Context, taskID string) (*model.Run, error) {
	if id, ok := e.latest.Get(taskID); ok {
		if r, ok := e.recent.Get(id); ok {
			return &r, nil
		}
	}
	return e.runs.LatestRunForTask(ctx, taskID)
}

func (e *Engine) remember(r model.Run) {
	e.recent.Add(r.ID, r)
}

// execute runs one pipeline to a terminal state. Runs for the same task are
// serialized; at most MaxInFlight runs execute at once.
func (e *Engine) execute(run *model.Run, req model.TaskRequest) {
	defer e.broker.Close(run.ID)

	ctx := context.Background()
	log := e.logger.With("run_id", run.ID, "task_id", run.TaskID, "round", run.Round)

	var seq int
	e.recordEvent(ctx, log, run, &seq, "task received")

	e.locks.Lock(run.TaskID)
	defer e.locks.Unlock(run.TaskID)

	// Background context never cancels, so Acquire only returns once a slot frees.
	_ = e.sem.Acquire(ctx, 1)
	defer e.sem.Release(1)

	inFlight.Inc()
	e.running.Add(1)
	defer func() {
		e.running.Add(-1)
		inFlight.Dec()
	}()

	start := time.Now()
	result := e.pipeline.Run(ctx, req, func(state, message string) {
		e.transition(ctx, log, run, &seq, state, message)
	})

	run.State = result.State
	run.ErrorKind = result.ErrorKind
	run.RepoURL = result.Outcome.RepoURL
	run.CommitSHA = result.Outcome.CommitSHA
	run.PagesURL = result.Outcome.PagesURL
	run.Notified = result.Notified
	message := "run completed"
	if result.Err != nil {
		run.Error = result.Err.Error()
		message = run.Error
	}
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		log.Error("failed to record run outcome", "state", run.State, "error", err)
	}
	e.recordEvent(ctx, log, run, &seq, message)

	runsTotal.WithLabelValues(roundLabel(run.Round), run.State).Inc()
	runDuration.WithLabelValues(roundLabel(run.Round)).Observe(time.Since(start).Seconds())

	if result.OK() {
		log.Info("run done", "repo_url", run.RepoURL, "commit_sha", run.CommitSHA,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	attrs := []any{"error_kind", run.ErrorKind, "error", run.Error, "notified", run.Notified}
	if run.CommitSHA != "" && !run.Notified {
		attrs = append(attrs, "repo_url", run.RepoURL, "commit_sha", run.CommitSHA)
		log.Error("run failed after publishing; evaluator not notified", attrs...)
		return
	}
	log.Error("run failed", attrs...)
}

// transition moves run to state, persisting the change and publishing an event.
func (e *Engine) transition(ctx context.Context, log *slog.Logger, run *model.Run, seq *int, state, message string) {
	run.State = state
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		log.Error("failed to record state change", "state", state, "error", err)
	}
	e.recordEvent(ctx, log, run, seq, message)
	log.Info("run state changed", "state", state)
}

func (e *Engine) recordEvent(ctx context.Context, log *slog.Logger, run *model.Run, seq *int, message string) {
	ev := model.RunEvent{
		RunID:     run.ID,
		Seq:       *seq,
		State:     run.State,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	*seq++
	if err := e.runs.InsertRunEvent(ctx, ev.RunID, ev.Seq, ev.State, ev.Message); err != nil {
		log.Error("failed to persist run event", "seq", ev.Seq, "error", err)
	}
	e.remember(*run)
	e.broker.Publish(ev)
}
