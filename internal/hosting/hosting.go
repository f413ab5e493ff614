// Package hosting publishes generated apps as GitHub repositories served by
// GitHub Pages.
package hosting

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/seantiz/shipwright/internal/model"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"

	// DefaultTimeout bounds a single hosting API call.
	DefaultTimeout = 30 * time.Second

	// Files written to every repository.
	SourceFile  = "index.html"
	ReadmeFile  = "README.md"
	LicenseFile = "LICENSE"

	pagesBranch = "main"
	apiVersion  = "2022-11-28"
)

// ErrStaleVersion is returned when an update carries a version token that no
// longer matches the file on the hosting backend.
var ErrStaleVersion = errors.New("stale file version")

// APIError is returned for non-2xx responses from the hosting backend.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Config configures a Client.
type Config struct {
	APIURL        string
	Token         string
	Owner         string
	LicenseHolder string
	Timeout       time.Duration
}

// SourceSnapshot is the current app source of a repository together with the
// per-file version tokens needed to update it.
type SourceSnapshot struct {
	Source      string
	Description string
	Versions    map[string]string
}

// Client talks to the GitHub REST API. It is safe for concurrent use.
type Client struct {
	owner         string
	licenseHolder string
	http          *resty.Client
	now           func() time.Time
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	holder := cfg.LicenseHolder
	if holder == "" {
		holder = cfg.Owner
	}

	return &Client{
		owner:         cfg.Owner,
		licenseHolder: holder,
		now:           time.Now,
		http: resty.New().
			SetBaseURL(strings.TrimRight(apiURL, "/")).
			SetTimeout(timeout).
			SetAuthToken(cfg.Token).
			SetHeader("Accept", "application/vnd.github+json").
			SetHeader("X-GitHub-Api-Version", apiVersion),
	}
}

// RepoName returns the repository name derived from a task ID.
func RepoName(taskID string) string {
	return model.HostedName(taskID)
}

// PagesURL returns the public Pages address of a repository.
func (c *Client) PagesURL(repoName string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(c.owner), repoName)
}

type createRepoRequest struct {
	Name     string `json:"name"`
	Private  bool   `json:"private"`
	AutoInit bool   `json:"auto_init"`
}

type repoResponse struct {
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

type putContentRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
}

type putContentResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type contentResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type pagesRequest struct {
	Source struct {
		Branch string `json:"branch"`
		Path   string `json:"path"`
	} `json:"source"`
}

// CreateAndPublish creates a public repository named after taskID, commits the
// app source, README and LICENSE, and enables Pages on the main branch.
func (c *Client) CreateAndPublish(ctx context.Context, taskID, source, description string) (model.DeploymentOutcome, error) {
	repo, err := c.createRepo(ctx, RepoName(taskID))
	if err != nil {
		return model.DeploymentOutcome{}, err
	}

	files := []struct {
		path, message, content string
	}{
		{SourceFile, "initial commit", source},
		{ReadmeFile, "add readme", description},
		{LicenseFile, "add license", fmt.Sprintf(mitLicense, c.now().Year(), c.licenseHolder)},
	}

	var commitSHA string
	for _, f := range files {
		put, err := c.putFile(ctx, repo.Name, f.path, f.message, f.content, "")
		if err != nil {
			return model.DeploymentOutcome{}, err
		}
		commitSHA = put.Commit.SHA
	}

	if err := c.enablePages(ctx, repo.Name); err != nil {
		return model.DeploymentOutcome{}, err
	}

	return model.DeploymentOutcome{
		RepoURL:   repo.HTMLURL,
		CommitSHA: commitSHA,
		PagesURL:  c.PagesURL(repo.Name),
	}, nil
}

// FetchSource reads the app source and README of an existing repository.
// A missing README is tolerated and has no version token.
func (c *Client) FetchSource(ctx context.Context, repoName string) (SourceSnapshot, error) {
	snap := SourceSnapshot{Versions: make(map[string]string)}

	src, err := c.getFile(ctx, repoName, SourceFile)
	if err != nil {
		return SourceSnapshot{}, err
	}
	snap.Source = src.text
	snap.Versions[SourceFile] = src.sha

	readme, err := c.getFile(ctx, repoName, ReadmeFile)
	var apiErr *APIError
	switch {
	case err == nil:
		snap.Description = readme.text
		snap.Versions[ReadmeFile] = readme.sha
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
	default:
		return SourceSnapshot{}, err
	}

	return snap, nil
}

// UpdateAndPublish overwrites the app source and README in place. Each write
// carries the version token from FetchSource; a stale token fails with
// ErrStaleVersion instead of overwriting.
func (c *Client) UpdateAndPublish(ctx context.Context, repoName, source, description string, versions map[string]string) (string, string, error) {
	files := []struct {
		path, message, content string
	}{
		{SourceFile, "update app for round 2", source},
		{ReadmeFile, "update readme for round 2", description},
	}

	var commitSHA string
	for _, f := range files {
		put, err := c.putFile(ctx, repoName, f.path, f.message, f.content, versions[f.path])
		if err != nil {
			return "", "", err
		}
		commitSHA = put.Commit.SHA
	}

	return commitSHA, c.PagesURL(repoName), nil
}

// createRepo creates the repository. If the derived name is already taken a
// suffixed name is tried once, so repeated round 1 runs get fresh repositories.
func (c *Client) createRepo(ctx context.Context, name string) (repoResponse, error) {
	repo, err := c.createRepoNamed(ctx, name)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		suffix := strings.ToLower(model.NewID())
		repo, err = c.createRepoNamed(ctx, name+"-"+suffix[len(suffix)-6:])
	}
	return repo, err
}

func (c *Client) createRepoNamed(ctx context.Context, name string) (repoResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createRepoRequest{Name: name}).
		Post("/user/repos")
	if err != nil {
		return repoResponse{}, fmt.Errorf("create repo %s: %w", name, err)
	}
	if err := checkResponse("create repo", resp); err != nil {
		return repoResponse{}, err
	}

	var repo repoResponse
	if err := json.Unmarshal(resp.Body(), &repo); err != nil {
		return repoResponse{}, fmt.Errorf("decode create repo response: %w", err)
	}
	if repo.Name == "" {
		repo.Name = model.RepoNameFromURL(repo.HTMLURL)
	}
	return repo, nil
}

func (c *Client) putFile(ctx context.Context, repoName, path, message, content, sha string) (putContentResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"owner": c.owner, "repo": repoName, "path": path}).
		SetBody(putContentRequest{
			Message: message,
			Content: base64.StdEncoding.EncodeToString([]byte(content)),
			SHA:     sha,
		}).
		Put("/repos/{owner}/{repo}/contents/{path}")
	if err != nil {
		return putContentResponse{}, fmt.Errorf("put %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return putContentResponse{}, fmt.Errorf("put %s: %w", path, ErrStaleVersion)
	}
	if err := checkResponse("put "+path, resp); err != nil {
		return putContentResponse{}, err
	}

	var out putContentResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return putContentResponse{}, fmt.Errorf("decode put %s response: %w", path, err)
	}
	return out, nil
}

type fetchedFile struct {
	text string
	sha  string
}

func (c *Client) getFile(ctx context.Context, repoName, path string) (fetchedFile, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"owner": c.owner, "repo": repoName, "path": path}).
		Get("/repos/{owner}/{repo}/contents/{path}")
	if err != nil {
		return fetchedFile{}, fmt.Errorf("get %s: %w", path, err)
	}
	if err := checkResponse("get "+path, resp); err != nil {
		return fetchedFile{}, err
	}

	var out contentResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fetchedFile{}, fmt.Errorf("decode get %s response: %w", path, err)
	}
	if out.Encoding != "" && out.Encoding != "base64" {
		return fetchedFile{}, fmt.Errorf("get %s: unsupported encoding %q", path, out.Encoding)
	}
	// GitHub wraps base64 content at 60 columns.
	raw, err := base64.StdEncoding.DecodeString(strings.NewReplacer("\n", "", "\r", "").Replace(out.Content))
	if err != nil {
		return fetchedFile{}, fmt.Errorf("decode %s content: %w", path, err)
	}
	return fetchedFile{text: string(raw), sha: out.SHA}, nil
}

func (c *Client) enablePages(ctx context.Context, repoName string) error {
	var body pagesRequest
	body.Source.Branch = pagesBranch
	body.Source.Path = "/"

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"owner": c.owner, "repo": repoName}).
		SetBody(body).
		Post("/repos/{owner}/{repo}/pages")
	if err != nil {
		return fmt.Errorf("enable pages: %w", err)
	}
	// 409 means Pages is already enabled.
	if resp.StatusCode() == http.StatusConflict {
		return nil
	}
	return checkResponse("enable pages", resp)
}

func checkResponse(op string, resp *resty.Response) error {
	if resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
		return nil
	}
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(resp.Body()))
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode(), Message: msg}
}

const mitLicense = `MIT License

Copyright (c) %d %s

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`
