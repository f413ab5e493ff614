package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/shipwright/internal/config"
	"github.com/seantiz/shipwright/internal/generator"
	"github.com/seantiz/shipwright/internal/hosting"
	"github.com/seantiz/shipwright/internal/model"
	"github.com/seantiz/shipwright/internal/store"
)

// persistRetries is how many times a conflicting artifact write is re-read and
// retried before the run fails.
const persistRetries = 3

// Step names used in errors and the step duration metric.
const (
	stepGenerate = "generate"
	stepPublish  = "publish"
	stepPersist  = "persist"
	stepFetch    = "fetch"
	stepModify   = "modify"
	stepUpdate   = "update"
	stepNotify   = "notify"
)

// Generator produces and rewrites app source from a brief.
type Generator interface {
	Generate(ctx context.Context, brief string, attachments []model.Attachment) (generator.Artifact, error)
	Modify(ctx context.Context, existing, brief string, attachments []model.Attachment) (generator.Artifact, error)
}

// Host publishes app source and reads it back.
type Host interface {
	CreateAndPublish(ctx context.Context, taskID, source, description string) (model.DeploymentOutcome, error)
	FetchSource(ctx context.Context, repoName string) (hosting.SourceSnapshot, error)
	UpdateAndPublish(ctx context.Context, repoName, source, description string, versions map[string]string) (string, string, error)
}

// Notifier delivers the outcome payload to the evaluation callback.
type Notifier interface {
	Notify(ctx context.Context, url string, payload model.EvaluationPayload) error
}

// Result is the typed outcome of one pipeline run. State is either
// model.StateDone or model.StateFailed. Outcome is kept on failure so a
// published-but-not-notified artifact stays visible.
type Result struct {
	State     string
	ErrorKind string
	Err       error
	Outcome   model.DeploymentOutcome
	Notified  bool
}

// OK reports whether the run completed.
func (r Result) OK() bool {
	return r.State == model.StateDone
}

// AdvanceFunc is called on every non-terminal state change of a run.
type AdvanceFunc func(state, message string)

// Options configures a Pipeline.
type Options struct {
	// UnknownTaskPolicy decides what round 2 does for a task with no
	// recorded artifact: config.UnknownTaskDrop or config.UnknownTaskNotify.
	UnknownTaskPolicy string
}

// Pipeline runs the round 1 and round 2 sequences against the adapters.
type Pipeline struct {
	gen       Generator
	host      Host
	notifier  Notifier
	artifacts store.ArtifactStore
	policy    string
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(gen Generator, host Host, notifier Notifier, artifacts store.ArtifactStore, logger *slog.Logger, opts Options) *Pipeline {
	policy := opts.UnknownTaskPolicy
	if policy == "" {
		policy = config.UnknownTaskDrop
	}
	return &Pipeline{
		gen:       gen,
		host:      host,
		notifier:  notifier,
		artifacts: artifacts,
		policy:    policy,
		logger:    logger,
	}
}

// Validate checks the fields every round needs.
func Validate(req model.TaskRequest) error {
	if len(req.Malformed) > 0 {
		return fmt.Errorf("%w: malformed %s", ErrInvalidRequest, strings.Join(req.Malformed, ", "))
	}
	required := []struct {
		name, value string
	}{
		{"task", req.TaskID},
		{"brief", req.Brief},
		{"email", req.Email},
		{"nonce", req.Nonce},
		{"evaluation_url", req.EvaluationURL},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidRequest, f.name)
		}
	}

	u, err := url.Parse(req.EvaluationURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: evaluation_url must be an absolute http(s) URL", ErrInvalidRequest)
	}
	if !model.ValidRound(req.Round) {
		return fmt.Errorf("%w: unsupported round %d", ErrInvalidRequest, req.Round)
	}
	return nil
}

// Run executes the sequence for req.Round. Every error and panic is contained
// and reported through the returned Result.
func (p *Pipeline) Run(ctx context.Context, req model.TaskRequest, advance AdvanceFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "task_id", req.TaskID, "round", req.Round,
				"panic", r, "stack", string(debug.Stack()))
			res.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := Validate(req); err != nil {
		res.fail(err)
		return res
	}

	if req.Round == model.RoundCreate {
		p.round1(ctx, req, advance, &res)
	} else {
		p.round2(ctx, req, advance, &res)
	}
	return res
}

func (r *Result) fail(err error) {
	r.State = model.StateFailed
	r.Err = err
	r.ErrorKind = ErrorKind(err)
}

func (p *Pipeline) round1(ctx context.Context, req model.TaskRequest, advance AdvanceFunc, res *Result) {
	advance(model.StateGenerating, "generating app from brief")
	var art generator.Artifact
	err := timed(stepGenerate, func() (err error) {
		art, err = p.gen.Generate(ctx, req.Brief, req.Attachments)
		return err
	})
	if err != nil {
		res.fail(&UpstreamError{Step: stepGenerate, Err: err})
		return
	}

	advance(model.StatePublishing, "creating repository "+hosting.RepoName(req.TaskID))
	err = timed(stepPublish, func() (err error) {
		res.Outcome, err = p.host.CreateAndPublish(ctx, req.TaskID, art.Source, art.Description)
		return err
	})
	if err != nil {
		res.fail(&UpstreamError{Step: stepPublish, Err: err})
		return
	}

	advance(model.StatePersisting, "recording "+res.Outcome.RepoURL)
	rec := model.ArtifactRecord{
		RepoName: model.RepoNameFromURL(res.Outcome.RepoURL),
		RepoURL:  res.Outcome.RepoURL,
	}
	if err := timed(stepPersist, func() error { return p.persist(ctx, req.TaskID, rec) }); err != nil {
		res.fail(err)
		return
	}

	advance(model.StateNotifying, "notifying evaluator")
	p.notify(ctx, req, res)
}

func (p *Pipeline) round2(ctx context.Context, req model.TaskRequest, advance AdvanceFunc, res *Result) {
	rec, err := p.artifacts.GetArtifact(ctx, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		res.fail(fmt.Errorf("%w: %s", ErrArtifactNotFound, req.TaskID))
		p.logger.Warn("round 2 for unknown task", "task_id", req.TaskID, "policy", p.policy)
		if p.policy == config.UnknownTaskNotify {
			p.notifyFailure(ctx, req, res)
		}
		return
	}
	if err != nil {
		res.fail(&StoreError{Op: "read artifact", Err: err})
		return
	}

	advance(model.StateGenerating, "modifying "+rec.RepoName)
	var snap hosting.SourceSnapshot
	err = timed(stepFetch, func() (err error) {
		snap, err = p.host.FetchSource(ctx, rec.RepoName)
		return err
	})
	if err != nil {
		res.fail(&UpstreamError{Step: stepFetch, Err: err})
		return
	}

	var art generator.Artifact
	err = timed(stepModify, func() (err error) {
		art, err = p.gen.Modify(ctx, snap.Source, req.Brief, req.Attachments)
		return err
	})
	if err != nil {
		res.fail(&UpstreamError{Step: stepModify, Err: err})
		return
	}

	advance(model.StatePublishing, "updating "+rec.RepoName)
	var commitSHA, pagesURL string
	err = timed(stepUpdate, func() (err error) {
		commitSHA, pagesURL, err = p.host.UpdateAndPublish(ctx, rec.RepoName, art.Source, art.Description, snap.Versions)
		return err
	})
	if err != nil {
		res.fail(&UpstreamError{Step: stepUpdate, Err: err})
		return
	}
	res.Outcome = model.DeploymentOutcome{
		RepoURL:   rec.RepoURL,
		CommitSHA: commitSHA,
		PagesURL:  pagesURL,
	}

	advance(model.StateNotifying, "notifying evaluator")
	p.notify(ctx, req, res)
}

// persist writes rec through compare-and-swap. An existing record is
// overwritten; the last writer to complete wins.
func (p *Pipeline) persist(ctx context.Context, taskID string, rec model.ArtifactRecord) error {
	for attempt := 0; ; attempt++ {
		var expected int64
		current, err := p.artifacts.GetArtifact(ctx, taskID)
		switch {
		case err == nil:
			expected = current.Version
			p.logger.Info("overwriting artifact record", "task_id", taskID,
				"previous_repo_url", current.RepoURL, "repo_url", rec.RepoURL)
		case !errors.Is(err, store.ErrNotFound):
			return &StoreError{Op: "read artifact", Err: err}
		}

		err = p.artifacts.CompareAndSwapArtifact(ctx, taskID, expected, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt == persistRetries {
			return &StoreError{Op: "write artifact", Err: err}
		}
		p.logger.Warn("artifact write conflict, retrying", "task_id", taskID, "attempt", attempt+1)
	}
}

func (p *Pipeline) notify(ctx context.Context, req model.TaskRequest, res *Result) {
	payload := model.EvaluationPayload{
		Email:     req.Email,
		TaskID:    req.TaskID,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RepoURL:   res.Outcome.RepoURL,
		CommitSHA: res.Outcome.CommitSHA,
		PagesURL:  res.Outcome.PagesURL,
	}
	err := timed(stepNotify, func() error { return p.notifier.Notify(ctx, req.EvaluationURL, payload) })
	if err != nil {
		res.fail(&NotificationError{Err: err})
		return
	}
	res.Notified = true
	res.State = model.StateDone
}

// notifyFailure reports a failed run to the evaluator. The run stays failed
// whatever the callback answers.
func (p *Pipeline) notifyFailure(ctx context.Context, req model.TaskRequest, res *Result) {
	payload := model.EvaluationPayload{
		Email:  req.Email,
		TaskID: req.TaskID,
		Round:  req.Round,
		Nonce:  req.Nonce,
		Error:  res.Err.Error(),
	}
	err := timed(stepNotify, func() error { return p.notifier.Notify(ctx, req.EvaluationURL, payload) })
	if err != nil {
		p.logger.Error("failure notification not delivered", "task_id", req.TaskID, "error", err)
		return
	}
	res.Notified = true
}

func timed(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	stepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	return err
}

func roundLabel(round int) string {
	return strconv.Itoa(round)
}
