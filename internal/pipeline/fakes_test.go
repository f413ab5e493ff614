package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/shipwright/internal/generator"
	"github.com/seantiz/shipwright/internal/hosting"
	"github.com/seantiz/shipwright/internal/model"
	"github.com/seantiz/shipwright/internal/pipeline"
	"github.com/seantiz/shipwright/internal/store"
)

// fakeGenerator records calls and optionally blocks until released.
type fakeGenerator struct {
	mu        sync.Mutex
	generated []string
	modified  []string
	existing  []string
	err       error
	panicMsg  string
	started   chan string
	release   chan struct{}
}

func (g *fakeGenerator) wait(brief string) {
	if g.started != nil {
		g.started <- brief
	}
	if g.release != nil {
		<-g.release
	}
}

func (g *fakeGenerator) Generate(_ context.Context, brief string, _ []model.Attachment) (generator.Artifact, error) {
	g.wait(brief)
	if g.panicMsg != "" {
		panic(g.panicMsg)
	}
	g.mu.Lock()
	g.generated = append(g.generated, brief)
	g.mu.Unlock()
	if g.err != nil {
		return generator.Artifact{}, g.err
	}
	return generator.Artifact{Source: "<html>" + brief + "</html>", Description: "# " + brief}, nil
}

func (g *fakeGenerator) Modify(_ context.Context, existing, brief string, _ []model.Attachment) (generator.Artifact, error) {
	g.wait(brief)
	g.mu.Lock()
	g.modified = append(g.modified, brief)
	g.existing = append(g.existing, existing)
	g.mu.Unlock()
	if g.err != nil {
		return generator.Artifact{}, g.err
	}
	return generator.Artifact{Source: "<html>v2 " + brief + "</html>", Description: "# Update Round 2"}, nil
}

func (g *fakeGenerator) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.generated), len(g.modified)
}

type updateCall struct {
	repoName string
	source   string
	versions map[string]string
}

// fakeHost hands out a fresh repository per create call.
type fakeHost struct {
	mu        sync.Mutex
	creates   int
	fetches   []string
	updates   []updateCall
	source    string
	versions  map[string]string
	createErr error
	fetchErr  error
	updateErr error
}

func (h *fakeHost) CreateAndPublish(_ context.Context, taskID, _, _ string) (model.DeploymentOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creates++
	if h.createErr != nil {
		return model.DeploymentOutcome{}, h.createErr
	}
	name := hosting.RepoName(taskID)
	if h.creates > 1 {
		name = fmt.Sprintf("%s-%d", name, h.creates)
	}
	return model.DeploymentOutcome{
		RepoURL:   "https://host/user/" + name,
		CommitSHA: fmt.Sprintf("sha%d", h.creates),
		PagesURL:  "https://user.pages.host/" + name + "/",
	}, nil
}

func (h *fakeHost) FetchSource(_ context.Context, repoName string) (hosting.SourceSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetches = append(h.fetches, repoName)
	if h.fetchErr != nil {
		return hosting.SourceSnapshot{}, h.fetchErr
	}
	return hosting.SourceSnapshot{Source: h.source, Versions: h.versions}, nil
}

func (h *fakeHost) UpdateAndPublish(_ context.Context, repoName, source, _ string, versions map[string]string) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, updateCall{repoName: repoName, source: source, versions: versions})
	if h.updateErr != nil {
		return "", "", h.updateErr
	}
	return "sha-update", "https://user.pages.host/" + repoName + "/", nil
}

func (h *fakeHost) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creates + len(h.fetches) + len(h.updates)
}

type notification struct {
	url     string
	payload model.EvaluationPayload
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, url string, payload model.EvaluationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{url: url, payload: payload})
	return n.err
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

// conflictingStore fails the first conflicts CAS calls with ErrVersionConflict.
type conflictingStore struct {
	store.ArtifactStore
	mu        sync.Mutex
	conflicts int
	attempts  int
}

func (c *conflictingStore) CompareAndSwapArtifact(ctx context.Context, taskID string, expected int64, rec model.ArtifactRecord) error {
	c.mu.Lock()
	c.attempts++
	fail := c.attempts <= c.conflicts
	c.mu.Unlock()
	if fail {
		return store.ErrVersionConflict
	}
	return c.ArtifactStore.CompareAndSwapArtifact(ctx, taskID, expected, rec)
}

var errBoom = errors.New("boom")

type harness struct {
	store    *store.SQLiteStore
	gen      *fakeGenerator
	host     *fakeHost
	notifier *fakeNotifier
	pipeline *pipeline.Pipeline
	engine   *pipeline.Engine
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy    string
	opts      pipeline.EngineOptions
	artifacts func(store.ArtifactStore) store.ArtifactStore
}

func withPolicy(p string) harnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

func withEngineOptions(o pipeline.EngineOptions) harnessOption {
	return func(c *harnessConfig) { c.opts = o }
}

func withArtifacts(wrap func(store.ArtifactStore) store.ArtifactStore) harnessOption {
	return func(c *harnessConfig) { c.artifacts = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, o := range opts {
		o(&cfg)
	}

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var artifacts store.ArtifactStore = s
	if cfg.artifacts != nil {
		artifacts = cfg.artifacts(s)
	}

	h := &harness{
		store:    s,
		gen:      &fakeGenerator{},
		host:     &fakeHost{source: "<html>v1</html>", versions: map[string]string{"index.html": "blob1", "README.md": "blob2"}},
		notifier: &fakeNotifier{},
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h.pipeline = pipeline.New(h.gen, h.host, h.notifier, artifacts, logger, pipeline.Options{UnknownTaskPolicy: cfg.policy})
	h.engine, err = pipeline.NewEngine(s, h.pipeline, logger, cfg.opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(h.engine.Wait)
	return h
}

func makeRequest(taskID string, round int, brief string) model.TaskRequest {
	return model.TaskRequest{
		TaskID:        taskID,
		Round:         round,
		Email:         "student@example.com",
		Nonce:         "nonce-" + taskID,
		Brief:         brief,
		EvaluationURL: "https://eval.example.com/notify",
	}
}

// waitForState polls the store until the run reaches the expected state.
func waitForState(t *testing.T, s store.RunStore, id, expected string, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.State == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach state %q within %v", id, expected, timeout)
	return nil
}

func noAdvance(string, string) {}
