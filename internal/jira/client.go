// Package jira is a minimal Jira Cloud REST v3 adapter: it creates
// issues for accepted backlog items. Descriptions are converted to ADF
// (Atlassian Document Format) because the v3 API rejects plain text.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/backlogai/backlogd/internal/config"
)

// APIError is a non-2xx response from Jira. 4xx errors are permanent
// and never retried.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.StatusCode, e.Body)
}

// CreateInput is the issue payload for one accepted backlog item.
type CreateInput struct {
	Summary     string
	Description string
	Labels      []string
	IssueType   string
}

// CreatedIssue is the tracker's identity for a newly created issue.
type CreatedIssue struct {
	ID  string
	Key string
	URL string
}

// Client provides HTTP access to a Jira instance.
type Client struct {
	url        string
	username   string
	apiToken   string
	projectKey string
	maxRetries int
	httpClient *http.Client
}

// NewClient creates a Jira client from config.
func NewClient(cfg config.JiraConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		username:   cfg.Username,
		apiToken:   cfg.APIToken,
		projectKey: cfg.ProjectKey,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client has enough settings to reach a
// Jira instance.
func (c *Client) Configured() bool {
	return c.url != "" && c.apiToken != "" && c.projectKey != ""
}

// CreateIssue creates one issue and returns its key and browse URL.
// Transient failures (network, 429, 5xx) are retried with exponential
// backoff; 4xx responses fail immediately.
func (c *Client) CreateIssue(ctx context.Context, input CreateInput) (*CreatedIssue, error) {
	issueType := input.IssueType
	if issueType == "" {
		issueType = "Story"
	}
	fields := map[string]interface{}{
		"project":     map[string]interface{}{"key": c.projectKey},
		"summary":     input.Summary,
		"issuetype":   map[string]interface{}{"name": issueType},
		"description": json.RawMessage(PlainTextToADF(input.Description)),
	}
	if len(input.Labels) > 0 {
		fields["labels"] = input.Labels
	}

	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/rest/api/3/issue", c.url)

	var body []byte
	operation := func() error {
		var reqErr error
		body, reqErr = c.doRequest(ctx, http.MethodPost, apiURL, payload)
		if reqErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(reqErr, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(reqErr)
		}
		return reqErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	var created struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Self string `json:"self"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}
	if created.Key == "" {
		return nil, fmt.Errorf("create issue: response missing key")
	}

	return &CreatedIssue{
		ID:  created.ID,
		Key: created.Key,
		URL: fmt.Sprintf("%s/browse/%s", c.url, created.Key),
	}, nil
}

// doRequest executes an authenticated HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	if c.url == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}
	if c.apiToken == "" {
		return nil, fmt.Errorf("jira API token not configured")
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "backlogd-jira-sync/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// setAuth sets the appropriate authentication header. Cloud instances
// use basic auth with an email and API token; server instances use a
// bearer token.
func (c *Client) setAuth(req *http.Request) {
	if c.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.apiToken))
		req.Header.Set("Authorization", "Basic "+auth)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
}
