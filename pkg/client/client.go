// Package client is a Go client for the Hoist HTTP API. Error envelopes are
// turned back into engine errors so callers can use engine.IsNotFound,
// errors.Is against the engine sentinels and engine.IsRetryable on results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// DefaultTimeout bounds a single non-streaming request.
const DefaultTimeout = 30 * time.Second

const apiPrefix = "/v1"

// Client talks to a Hoist server.
type Client struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// HTTPClient is used for plain requests. Log streams use a copy without
	// its timeout.
	HTTPClient *http.Client
}

// New creates a client with a default HTTP client.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Health is the server liveness report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// DeploymentDetail is a deployment with its transition history.
type DeploymentDetail struct {
	engine.Deployment
	History []*engine.DeploymentEvent `json:"history"`
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	return &out, c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
}

// Drivers lists the registered driver instances.
func (c *Client) Drivers(ctx context.Context) ([]engine.DriverMetadata, error) {
	var out []engine.DriverMetadata
	return out, c.do(ctx, http.MethodGet, "/drivers", nil, nil, &out)
}

// CreateApplication registers an application and provisions it on its driver.
func (c *Client) CreateApplication(ctx context.Context, in engine.CreateApplicationInput) (*engine.Application, error) {
	var out engine.Application
	if err := c.do(ctx, http.MethodPost, "/applications", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetApplication loads an application.
func (c *Client) GetApplication(ctx context.Context, id string) (*engine.Application, error) {
	var out engine.Application
	if err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApplications lists the applications visible to the token.
func (c *Client) ListApplications(ctx context.Context, filter engine.ApplicationFilter) ([]*engine.Application, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.Repository != "" {
		q.Set("repository", filter.Repository)
	}
	var out []*engine.Application
	if err := c.do(ctx, http.MethodGet, "/applications", q, nil, &out); err != nil {
		return nil, err
	}
	if filter.Branch == "" {
		return out, nil
	}
	matched := out[:0]
	for _, app := range out {
		if app.Branch == filter.Branch {
			matched = append(matched, app)
		}
	}
	return matched, nil
}

// FindApplication looks an application up by project and name.
func (c *Client) FindApplication(ctx context.Context, projectID, name string) (*engine.Application, error) {
	apps, err := c.ListApplications(ctx, engine.ApplicationFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.Name == name {
			return app, nil
		}
	}
	return nil, engine.NewNotFoundError("application", projectID+"/"+name)
}

// DeleteApplication cancels the active deployment and removes the application.
func (c *Client) DeleteApplication(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/applications/"+url.PathEscape(id), nil, nil, nil)
}

// RequestDeployment queues a deployment of the application.
func (c *Client) RequestDeployment(ctx context.Context, applicationID string, req engine.DeploymentRequest) (*engine.Deployment, error) {
	var out engine.Deployment
	if err := c.do(ctx, http.MethodPost, "/applications/"+url.PathEscape(applicationID)+"/deployments", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeployments lists deployments of an application, newest first.
func (c *Client) ListDeployments(ctx context.Context, applicationID string, statuses []engine.DeploymentStatus, limit int) ([]*engine.Deployment, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		q.Set("status", strings.Join(names, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*engine.Deployment
	if err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(applicationID)+"/deployments", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeploymentDetail loads a deployment and its transition history.
func (c *Client) DeploymentDetail(ctx context.Context, id string) (*DeploymentDetail, error) {
	var out DeploymentDetail
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeployment loads a deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	detail, err := c.DeploymentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return &detail.Deployment, nil
}

// CancelDeployment cancels a non-terminal deployment.
func (c *Client) CancelDeployment(ctx context.Context, id, reason string) (*engine.Deployment, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out engine.Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(id)+"/cancel", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCertificate requests a certificate for hostname.
func (c *Client) CreateCertificate(ctx context.Context, applicationID, hostname string) (*engine.Certificate, error) {
	var out engine.Certificate
	body := map[string]string{"hostname": hostname}
	if err := c.do(ctx, http.MethodPost, "/applications/"+url.PathEscape(applicationID)+"/certificates", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCertificates lists the certificates of an application.
func (c *Client) ListCertificates(ctx context.Context, applicationID string) ([]*engine.Certificate, error) {
	var out []*engine.Certificate
	if err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(applicationID)+"/certificates", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCertificate loads a certificate.
func (c *Client) GetCertificate(ctx context.Context, id string) (*engine.Certificate, error) {
	return c.certificateCall(ctx, http.MethodGet, "/certificates/"+url.PathEscape(id))
}

// CheckCertificate runs a DNS check now.
func (c *Client) CheckCertificate(ctx context.Context, id string) (*engine.Certificate, error) {
	return c.certificateCall(ctx, http.MethodPost, "/certificates/"+url.PathEscape(id)+"/check")
}

// ResetCertificate restarts DNS verification.
func (c *Client) ResetCertificate(ctx context.Context, id string) (*engine.Certificate, error) {
	return c.certificateCall(ctx, http.MethodPost, "/certificates/"+url.PathEscape(id)+"/reset")
}

func (c *Client) certificateCall(ctx context.Context, method, path string) (*engine.Certificate, error) {
	var out engine.Certificate
	if err := c.do(ctx, method, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCertificate removes a certificate.
func (c *Client) DeleteCertificate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/certificates/"+url.PathEscape(id), nil, nil, nil)
}

// CreateDatabase provisions a managed database.
func (c *Client) CreateDatabase(ctx context.Context, in engine.CreateDatabaseInput) (*engine.Database, error) {
	var out engine.Database
	if err := c.do(ctx, http.MethodPost, "/databases", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDatabases lists the databases of a project.
func (c *Client) ListDatabases(ctx context.Context, projectID string) ([]*engine.Database, error) {
	var out []*engine.Database
	if err := c.do(ctx, http.MethodGet, "/databases", url.Values{"project_id": {projectID}}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDatabase loads a database.
func (c *Client) GetDatabase(ctx context.Context, id string) (*engine.Database, error) {
	var out engine.Database
	if err := c.do(ctx, http.MethodGet, "/databases/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDatabase deprovisions a database.
func (c *Client) DeleteDatabase(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/databases/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := strings.TrimRight(c.BaseURL, "/") + apiPrefix + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return engine.NewTransientNetworkError(method+" "+path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return decodeError(res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return c.HTTPClient
}
