package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
	testSecret     = "e2e-secret"
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "shipwright-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"SHIPWRIGHT_LISTEN_ADDR="+addr,
		"SHIPWRIGHT_SECRET="+testSecret,
		"SHIPWRIGHT_LOG_LEVEL=info",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// evaluator records the callbacks it receives.
type evaluator struct {
	ts       *httptest.Server
	mu       sync.Mutex
	payloads []map[string]any
}

func newEvaluator(t *testing.T) *evaluator {
	t.Helper()
	ev := &evaluator{}
	ev.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ev.mu.Lock()
		ev.payloads = append(ev.payloads, p)
		ev.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ev.ts.Close)
	return ev
}

// waitFor polls until n callbacks have arrived and returns them.
func (ev *evaluator) waitFor(t *testing.T, n int, timeout time.Duration) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev.mu.Lock()
		if len(ev.payloads) >= n {
			out := append([]map[string]any(nil), ev.payloads...)
			ev.mu.Unlock()
			return out
		}
		ev.mu.Unlock()
		time.Sleep(pollInterval)
	}
	t.Fatalf("received fewer than %d callbacks within %v", n, timeout)
	return nil
}

func postTask(t *testing.T, sp *serverProc, secret string, round int, task, evalURL string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"email":          "student@example.com",
		"secret":         secret,
		"task":           task,
		"round":          round,
		"nonce":          fmt.Sprintf("nonce-%d", round),
		"brief":          "Build a counter page",
		"checks":         []string{"page has a title"},
		"evaluation_url": evalURL,
		"attachments":    []map[string]string{},
	})
	resp, err := http.Post(sp.url+"/api-endpoint", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api-endpoint: %v", err)
	}
	return resp
}

func TestBinaryBuildsAndServesHealthz(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" || body["store"] != "ok" {
		t.Errorf("body = %v, want ok/ok", body)
	}
}

func TestMetricsExposed(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	for _, name := range []string{"shipwright_http_requests_total", "shipwright_pipeline_in_flight"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRound1ThenRound2Callbacks(t *testing.T) {
	sp := startServer(t, getBinary(t))
	ev := newEvaluator(t)

	resp := postTask(t, sp, testSecret, 1, "counter-e2e", ev.ts.URL)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("round 1 status = %d, want 200", resp.StatusCode)
	}
	first := ev.waitFor(t, 1, 10*time.Second)[0]

	if first["task"] != "counter-e2e" || first["round"] != float64(1) || first["nonce"] != "nonce-1" {
		t.Errorf("round 1 payload = %v", first)
	}
	if first["repo_url"] != "https://github.com/shipwright-test/counter-e2e" {
		t.Errorf("repo_url = %v", first["repo_url"])
	}

	resp = postTask(t, sp, testSecret, 2, "counter-e2e", ev.ts.URL)
	resp.Body.Close()
	second := ev.waitFor(t, 2, 10*time.Second)[1]

	if second["round"] != float64(2) || second["repo_url"] != first["repo_url"] {
		t.Errorf("round 2 payload = %v", second)
	}
	if second["commit_sha"] == first["commit_sha"] {
		t.Errorf("round 2 commit_sha = %v, want a new commit", second["commit_sha"])
	}
}

func TestWrongSecretRejected(t *testing.T) {
	sp := startServer(t, getBinary(t))
	ev := newEvaluator(t)

	resp := postTask(t, sp, "nope", 1, "rejected", ev.ts.URL)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, sp.url+"/v1/tasks/rejected/status", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	status, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	status.Body.Close()
	if status.StatusCode != http.StatusNotFound {
		t.Errorf("task status = %d, want 404", status.StatusCode)
	}
}

func TestFinishedRunStreamsDoneEvent(t *testing.T) {
	sp := startServer(t, getBinary(t))
	ev := newEvaluator(t)

	resp := postTask(t, sp, testSecret, 1, "sse-e2e", ev.ts.URL)
	resp.Body.Close()
	runID := resp.Header.Get("X-Run-Id")
	ev.waitFor(t, 1, 10*time.Second)

	// The callback is sent before the run records its terminal state.
	var lines []string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, sp.url+"/v1/runs/"+runID+"/events", nil)
		req.Header.Set("Authorization", "Bearer "+testSecret)
		stream, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET events: %v", err)
		}
		lines = lines[:0]
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		stream.Body.Close()
		if len(lines) > 0 && lines[0] == "event: done" {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Errorf("stream = %q, want a done event", lines)
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	found := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "request" {
			found = true
			for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !found {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}
