package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/shipwright/internal/model"
)

const testURL = "https://llm.example.com/v1/chat/completions"

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	c := New(Config{URL: testURL, APIKey: "test-key"})
	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func completionResponder(t *testing.T, content string, captured *chatRequest) httpmock.Responder {
	t.Helper()
	return func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
		if captured != nil {
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, captured))
		}
		return httpmock.NewJsonResponse(200, map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestGenerateStripsFenceAndBuildsRequest(t *testing.T) {
	c := newMockedClient(t)
	var captured chatRequest
	httpmock.RegisterResponder(http.MethodPost, testURL,
		completionResponder(t, "```html\n<html>...</html>\n```", &captured))

	attachments := []model.Attachment{{Name: "logo.png", URL: "data:image/png;base64,iVBORw0KGgo="}}
	art, err := c.Generate(context.Background(), "Build a todo app", attachments)
	require.NoError(t, err)

	assert.Equal(t, "<html>...</html>", art.Source)
	assert.NotContains(t, art.Source, "```")
	assert.Contains(t, art.Description, "Build a todo app")

	assert.Equal(t, DefaultModel, captured.Model)
	assert.InDelta(t, 0.3, captured.Temperature, 1e-9)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Contains(t, captured.Messages[1].Content, "Brief: Build a todo app")
	assert.Contains(t, captured.Messages[1].Content, "Attachment: logo.png - Data: data:image/png;base64,iVBORw0KGgo=")
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestModifyEmbedsExistingSourceAndStripsFence(t *testing.T) {
	c := newMockedClient(t)
	var captured chatRequest
	httpmock.RegisterResponder(http.MethodPost, testURL,
		completionResponder(t, "```html\n<html>v2</html>\n```", &captured))

	art, err := c.Modify(context.Background(), "<html>v1</html>", "Add a dark mode toggle", nil)
	require.NoError(t, err)

	assert.Equal(t, "<html>v2</html>", art.Source)
	assert.Contains(t, art.Description, "Add a dark mode toggle")
	require.Len(t, captured.Messages, 2)
	assert.True(t, strings.HasSuffix(captured.Messages[0].Content, "<html>v1</html>"))
	assert.Contains(t, captured.Messages[1].Content, "Add a dark mode toggle")
	assert.Contains(t, captured.Messages[1].Content, "(none)")
}

func TestGenerateNon2xxReturnsAPIError(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, testURL,
		httpmock.NewStringResponder(429, `{"error":"rate limited"}`))

	_, err := c.Generate(context.Background(), "brief", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "rate limited")
}

func TestGenerateTransportError(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, testURL,
		httpmock.NewErrorResponder(errors.New("connection reset")))

	_, err := c.Generate(context.Background(), "brief", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGenerateNoChoices(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, testURL,
		httpmock.NewStringResponder(200, `{"choices":[]}`))

	_, err := c.Generate(context.Background(), "brief", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{URL: testURL})
	assert.Equal(t, DefaultModel, c.model)
	assert.Equal(t, DefaultTimeout, c.http.GetClient().Timeout)

	c = New(Config{URL: testURL, Model: "gpt-4o-mini"})
	assert.Equal(t, "gpt-4o-mini", c.model)
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"html fence", "```html\n<html>...</html>\n```", "<html>...</html>"},
		{"upper case tag", "```HTML\n<p>x</p>\n```", "<p>x</p>"},
		{"bare fence", "```\n<p>x</p>\n```", "<p>x</p>"},
		{"surrounding whitespace", "\n\n  ```html\n<p>x</p>\n```  \n", "<p>x</p>"},
		{"crlf", "```html\r\n<p>x</p>\r\n```", "<p>x</p>"},
		{"no fence", "<html></html>", "<html></html>"},
		{"unterminated fence", "```html\n<p>x</p>", "<p>x</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripCodeFence(tt.input)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "```")
		})
	}
}

func TestStripCodeFenceKeepsInnerFences(t *testing.T) {
	page := "<html><body><h1>Markdown demo</h1><pre>```js\nconsole.log(1)\n```</pre></body></html>"
	assert.Equal(t, page, StripCodeFence(page))
	assert.Equal(t, page, StripCodeFence("\n  "+page+"\n"))

	wrapped := "```html\n" + page + "\n```"
	assert.Equal(t, page, StripCodeFence(wrapped))
}
