package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"resty.dev/v3"
)

const defaultBaseURL = "http://localhost:3000"

// Client provides typed access to the upload API for interactive tools.
type Client struct {
	http *resty.Client
}

// Option customises client instantiation.
type Option func(*resty.Client)

// WithTimeout overrides the per-request timeout. Deploys fetch and upload synchronously, so the
// default is generous.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		if d > 0 {
			c.SetTimeout(d)
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(trimmed, "/")).
		SetTimeout(10 * time.Minute).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

type errorBody struct {
	Message string `json:"message"`
}

// DeployResult is the response of POST /deploy.
type DeployResult struct {
	ID    string   `json:"id"`
	Files []string `json:"files"`
}

// Deployment is the record returned by GET /deployments/{id}.
type Deployment struct {
	ID        string    `json:"id"`
	SourceRef string    `json:"sourceRef"`
	Status    string    `json:"status"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// Deploy submits sourceRef and blocks until the artifact is uploaded.
func (c *Client) Deploy(ctx context.Context, sourceRef string) (DeployResult, error) {
	var (
		out    DeployResult
		apiErr errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"sourceRef": sourceRef}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/deploy")
	if err != nil {
		return DeployResult{}, fmt.Errorf("deploy request: %w", err)
	}
	if !resp.IsSuccess() {
		return DeployResult{}, toAPIError(resp, apiErr)
	}
	return out, nil
}

// Status returns the lifecycle state of id. found is false when the API has no record.
func (c *Client) Status(ctx context.Context, id string) (status string, found bool, err error) {
	var (
		out struct {
			Status *string `json:"status"`
		}
		apiErr errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", id).
		SetResult(&out).
		SetError(&apiErr).
		Get("/status")
	if err != nil {
		return "", false, fmt.Errorf("status request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", false, toAPIError(resp, apiErr)
	}
	if out.Status == nil {
		return "", false, nil
	}
	return *out.Status, true, nil
}

// GetDeployment fetches the full deployment record.
func (c *Client) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var (
		out    Deployment
		apiErr errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&apiErr).
		Get("/deployments/{id}")
	if err != nil {
		return Deployment{}, fmt.Errorf("deployment request: %w", err)
	}
	if !resp.IsSuccess() {
		return Deployment{}, toAPIError(resp, apiErr)
	}
	return out, nil
}

func toAPIError(resp *resty.Response, body errorBody) APIError {
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	return APIError{Status: resp.StatusCode(), Message: msg}
}

// Terminal reports whether status is a final lifecycle state.
func Terminal(status string) bool {
	return status == "deployed" || status == "failed"
}
