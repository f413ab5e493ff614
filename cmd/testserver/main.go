// testserver starts a Shipwright API server with stub generator and hosting
// adapters for E2E testing. Evaluation callbacks are delivered for real.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/shipwright/internal/api"
	"github.com/seantiz/shipwright/internal/config"
	"github.com/seantiz/shipwright/internal/generator"
	"github.com/seantiz/shipwright/internal/hosting"
	"github.com/seantiz/shipwright/internal/model"
	"github.com/seantiz/shipwright/internal/notify"
	"github.com/seantiz/shipwright/internal/pipeline"
	"github.com/seantiz/shipwright/internal/store"
)

const defaultSecret = "testsecret"

// stubGenerator returns a fixed page after a short delay.
type stubGenerator struct {
	delay time.Duration
}

func (g *stubGenerator) Generate(_ context.Context, brief string, _ []model.Attachment) (generator.Artifact, error) {
	time.Sleep(g.delay)
	return generator.Artifact{
		Source:      "<html><body><h1>" + brief + "</h1></body></html>",
		Description: "# App\n\n" + brief + "\n",
	}, nil
}

func (g *stubGenerator) Modify(_ context.Context, source, brief string, _ []model.Attachment) (generator.Artifact, error) {
	time.Sleep(g.delay)
	return generator.Artifact{
		Source:      strings.Replace(source, "</body>", "<p>"+brief+"</p></body>", 1),
		Description: "# Update Round 2\n\n" + brief + "\n",
	}, nil
}

// stubHost keeps repositories in memory.
type stubHost struct {
	owner string

	mu      sync.Mutex
	sources map[string]string
	commits int
}

func (h *stubHost) commit() string {
	h.commits++
	return fmt.Sprintf("%040x", h.commits)
}

func (h *stubHost) CreateAndPublish(_ context.Context, taskID, source, _ string) (model.DeploymentOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := hosting.RepoName(taskID)
	h.sources[name] = source
	return model.DeploymentOutcome{
		RepoURL:   "https://github.com/" + h.owner + "/" + name,
		CommitSHA: h.commit(),
		PagesURL:  "https://" + h.owner + ".github.io/" + name + "/",
	}, nil
}

func (h *stubHost) FetchSource(_ context.Context, repoName string) (hosting.SourceSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	src, ok := h.sources[repoName]
	if !ok {
		return hosting.SourceSnapshot{}, &hosting.APIError{Op: "get " + hosting.SourceFile, StatusCode: 404, Message: "Not Found"}
	}
	return hosting.SourceSnapshot{Source: src, Versions: map[string]string{hosting.SourceFile: "stub"}}, nil
}

func (h *stubHost) UpdateAndPublish(_ context.Context, repoName, source, _ string, _ map[string]string) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[repoName] = source
	return h.commit(), "https://" + h.owner + ".github.io/" + repoName + "/", nil
}

func main() {
	cfg := config.Load()
	if cfg.Secret == "" {
		cfg.Secret = defaultSecret
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	gen := &stubGenerator{delay: 200 * time.Millisecond}
	host := &stubHost{owner: "shipwright-test", sources: make(map[string]string)}
	notifier := notify.New(notify.Config{Timeout: cfg.NotifyTimeout, MaxRetries: cfg.NotifyRetries})

	p := pipeline.New(gen, host, notifier, db, logger, pipeline.Options{UnknownTaskPolicy: cfg.UnknownTaskPolicy})
	eng, err := pipeline.NewEngine(db, p, logger, pipeline.EngineOptions{MaxInFlight: cfg.MaxInFlight})
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	srv := api.NewServer(cfg.ListenAddr, cfg.Secret, db, db, eng, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}
