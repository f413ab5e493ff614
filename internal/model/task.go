package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Round constants.
const (
	RoundCreate = 1
	RoundModify = 2
)

// Attachment is a named file delivered inline as a data URI.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TaskRequest is one inbound task submission. TaskID is stable across rounds
// and is the join key to the artifact produced in round 1.
type TaskRequest struct {
	TaskID        string          `json:"task"`
	Round         int             `json:"round"`
	Email         string          `json:"email"`
	Nonce         string          `json:"nonce"`
	Brief         string          `json:"brief"`
	Checks        json.RawMessage `json:"checks,omitempty"`
	EvaluationURL string          `json:"evaluation_url"`
	Attachments   []Attachment    `json:"attachments"`

	// Malformed names fields whose JSON type could not be decoded.
	Malformed []string `json:"-"`
}

// ValidRound reports whether round selects a pipeline.
func ValidRound(round int) bool {
	return round == RoundCreate || round == RoundModify
}

// ArtifactRecord maps a task to the hosted repository created for it.
type ArtifactRecord struct {
	RepoName  string    `json:"repo_name"`
	RepoURL   string    `json:"repo_url"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeploymentOutcome is what the hosting backend reports after a publish.
type DeploymentOutcome struct {
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

// EvaluationPayload is the body POSTed to a task's evaluation_url.
type EvaluationPayload struct {
	Email     string `json:"email"`
	TaskID    string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
	Error     string `json:"error,omitempty"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// HostedName derives the hosted repository name from a task ID.
func HostedName(taskID string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(taskID), "-")
}

// RepoNameFromURL returns the last path segment of a repository URL.
func RepoNameFromURL(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
