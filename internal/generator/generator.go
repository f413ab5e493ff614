// Package generator turns a natural-language brief into web app source using
// an OpenAI-compatible chat completions endpoint.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/seantiz/shipwright/internal/model"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gpt-4.1-nano"

	// DefaultTimeout bounds a single completion call.
	DefaultTimeout = 200 * time.Second

	defaultTemperature = 0.3
	maxErrorBody       = 512
)

// Config configures a Client.
type Config struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Artifact is generated app source plus its README text.
type Artifact struct {
	Source      string
	Description string
}

// APIError is returned when the completion endpoint answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion request failed with status %d: %s", e.StatusCode, e.Body)
}

// Client calls the completion endpoint. It is safe for concurrent use.
type Client struct {
	url   string
	model string
	http  *resty.Client
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		url:   cfg.URL,
		model: modelName,
		http: resty.New().
			SetTimeout(timeout).
			SetAuthToken(cfg.APIKey).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate produces a new app from brief and attachments.
func (c *Client) Generate(ctx context.Context, brief string, attachments []model.Attachment) (Artifact, error) {
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: generateSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(generateUserPrompt, brief, attachmentManifest(attachments))},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("generate: %w", err)
	}

	return Artifact{
		Source:      StripCodeFence(content),
		Description: fmt.Sprintf(generateReadme, brief),
	}, nil
}

// Modify rewrites existing app source to satisfy a new brief.
func (c *Client) Modify(ctx context.Context, existing, brief string, attachments []model.Attachment) (Artifact, error) {
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: modifySystemPrompt + existing},
		{Role: "user", Content: fmt.Sprintf(modifyUserPrompt, brief, attachmentManifest(attachments))},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("modify: %w", err)
	}

	return Artifact{
		Source:      StripCodeFence(content),
		Description: fmt.Sprintf(modifyReadme, brief),
	}, nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: defaultTemperature,
		}).
		Post(c.url)
	if err != nil {
		return "", fmt.Errorf("send completion request: %w", err)
	}

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		body := string(resp.Body())
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return "", &APIError{StatusCode: resp.StatusCode(), Body: body}
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// attachmentManifest lists attachments one per line. Data URIs are passed
// through verbatim so the model can embed them.
func attachmentManifest(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, a := range attachments {
		fmt.Fprintf(&b, "\nAttachment: %s - Data: %s\n", a.Name, a.URL)
	}
	return b.String()
}

var (
	leadingFence  = regexp.MustCompile("(?i)^```[a-z0-9_+-]*[ \t]*\r?\n?")
	trailingFence = regexp.MustCompile("\r?\n?```\\s*$")
)

// StripCodeFence removes a markdown code fence wrapping the whole model
// output. Output that does not open with a fence is only trimmed, so fences
// inside the markup itself survive.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = leadingFence.ReplaceAllString(s, "")
	s = trailingFence.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
