// Package refresh calls the provider's token endpoint to renew a session.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sbswitch/sbswitch/internal/models"
)

const (
	tokenPath       = "/auth/v1/token?grant_type=refresh_token"
	maxResponseBody = 1 << 20
	defaultTimeout  = 15 * time.Second
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// Doer is the subset of *http.Client the refresher needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher is what the lifecycle manager calls. *Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, projectID, refreshToken string) (models.CredentialPayload, error)
}

// Client performs one POST per Refresh call and never retries.
type Client struct {
	http      Doer
	domain    string
	baseURL   string
	anonKeys  map[string]string
	timeout   time.Duration
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithBaseURL sends every request to baseURL instead of the per-project host.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAnonKeys sets the per-project apikey header values.
func WithAnonKeys(keys map[string]string) Option {
	return func(c *Client) {
		c.anonKeys = keys
	}
}

// WithTimeout bounds each Refresh call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for projects hosted under domain.
func NewClient(domain string, opts ...Option) *Client {
	c := &Client{
		domain:    domain,
		timeout:   defaultTimeout,
		userAgent: "sbswitch",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(c.timeout, false)
	}
	return c
}

// Endpoint returns the token URL for projectID.
func (c *Client) Endpoint(projectID string) (string, error) {
	if !projectIDPattern.MatchString(projectID) {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	if c.baseURL != "" {
		return c.baseURL + tokenPath, nil
	}
	return "https://" + projectID + "." + c.domain + tokenPath, nil
}

// Refresh exchanges refreshToken for a new credential payload.
func (c *Client) Refresh(ctx context.Context, projectID, refreshToken string) (models.CredentialPayload, error) {
	endpoint, err := c.Endpoint(projectID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if key := c.anonKeys[projectID]; key != "" {
		req.Header.Set("apikey", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var payload models.CredentialPayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if payload == nil {
		return nil, &DecodeError{Err: fmt.Errorf("empty body")}
	}
	return payload, nil
}
