// Package cloudrun provides a narrow client for the Cloud Run Admin API
// (Knative serving v1). Only the operations the reconciler needs are
// implemented: create, replace, delete, status, and the IAM binding that
// opens a service to unauthenticated invocation.
package cloudrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the serverless platform surface the reconciler drives.
type Client interface {
	// CreateService creates a new service pinned to image (a digest-pinned
	// coordinate) and returns the created revision id, if reported.
	CreateService(ctx context.Context, svc spec.ServiceSpec, image string) (string, error)

	// UpdateService replaces the service definition in place, producing a
	// new revision.
	UpdateService(ctx context.Context, svc spec.ServiceSpec, image string) (string, error)

	// DeleteService deletes the service.
	DeleteService(ctx context.Context, name, region string) error

	// GetServiceStatus fetches the condensed observed state.
	GetServiceStatus(ctx context.Context, name, region string) (ServiceStatus, error)

	// AllowUnauthenticated binds roles/run.invoker to allUsers.
	AllowUnauthenticated(ctx context.Context, name, region string) error
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrUnauthorized    = errors.New("platform rejected credentials")
)

// PlatformError wraps a platform API failure with request context.
type PlatformError struct {
	Op      string
	Service string
	Status  int
	Message string
	Err     error
}

func (e *PlatformError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Service, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// =============================================================================
// REST Client Implementation
// =============================================================================

// Config holds configuration for the REST client.
type Config struct {
	// Project is the platform project (used as the Knative namespace).
	Project string

	// Token is the bearer token for the Admin API.
	Token string

	// Endpoint overrides the regional endpoint; used by tests. When empty,
	// "https://{region}-run.googleapis.com" is used.
	Endpoint string

	Timeout time.Duration
}

// RESTClient implements Client against the Cloud Run Admin API.
type RESTClient struct {
	config     Config
	httpClient *http.Client
}

// NewRESTClient creates a new Admin API client.
func NewRESTClient(cfg Config) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &RESTClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// endpoint returns the base URL for a region.
func (c *RESTClient) endpoint(region string) string {
	if c.config.Endpoint != "" {
		return c.config.Endpoint
	}
	return fmt.Sprintf("https://%s-run.googleapis.com", region)
}

func (c *RESTClient) servicesURL(region string) string {
	return fmt.Sprintf("%s/apis/serving.knative.dev/v1/namespaces/%s/services",
		c.endpoint(region), c.config.Project)
}

func (c *RESTClient) serviceURL(region, name string) string {
	return c.servicesURL(region) + "/" + name
}

// CreateService creates a new service.
func (c *RESTClient) CreateService(ctx context.Context, svc spec.ServiceSpec, image string) (string, error) {
	obj := buildServiceObject(c.config.Project, svc, image)

	var created serviceObject
	err := c.do(ctx, "CreateService", svc.Name, http.MethodPost, c.servicesURL(svc.Region), obj, &created)
	if err != nil {
		return "", err
	}
	return statusFromObject(created).RevisionID, nil
}

// UpdateService replaces the service definition, rolling a new revision.
func (c *RESTClient) UpdateService(ctx context.Context, svc spec.ServiceSpec, image string) (string, error) {
	obj := buildServiceObject(c.config.Project, svc, image)

	var updated serviceObject
	err := c.do(ctx, "UpdateService", svc.Name, http.MethodPut, c.serviceURL(svc.Region, svc.Name), obj, &updated)
	if err != nil {
		return "", err
	}
	return statusFromObject(updated).RevisionID, nil
}

// DeleteService deletes the service.
func (c *RESTClient) DeleteService(ctx context.Context, name, region string) error {
	return c.do(ctx, "DeleteService", name, http.MethodDelete, c.serviceURL(region, name), nil, nil)
}

// GetServiceStatus fetches the service and condenses its conditions.
func (c *RESTClient) GetServiceStatus(ctx context.Context, name, region string) (ServiceStatus, error) {
	var obj serviceObject
	if err := c.do(ctx, "GetServiceStatus", name, http.MethodGet, c.serviceURL(region, name), nil, &obj); err != nil {
		return ServiceStatus{}, err
	}
	return statusFromObject(obj), nil
}

// AllowUnauthenticated binds roles/run.invoker to allUsers on the service.
func (c *RESTClient) AllowUnauthenticated(ctx context.Context, name, region string) error {
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/services/%s:setIamPolicy",
		c.endpoint(region), c.config.Project, region, name)

	body := setIamPolicyRequest{
		Policy: iamPolicy{
			Bindings: []iamBinding{
				{Role: "roles/run.invoker", Members: []string{"allUsers"}},
			},
		},
	}
	return c.do(ctx, "AllowUnauthenticated", name, http.MethodPost, url, body, nil)
}

// =============================================================================
// Request Plumbing
// =============================================================================

// apiError is the Admin API's error envelope.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// do issues one request and decodes the response into out (when non-nil).
func (c *RESTClient) do(ctx context.Context, op, service, method, url string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &PlatformError{Op: op, Service: service, Message: "marshal request", Err: err}
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return &PlatformError{Op: op, Service: service, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &PlatformError{Op: op, Service: service, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.errorFromResponse(op, service, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &PlatformError{Op: op, Service: service, Message: "decode response", Err: err}
		}
	}
	return nil
}

// errorFromResponse maps an API error response onto the outcome taxonomy.
func (c *RESTClient) errorFromResponse(op, service string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := resp.Status
	var envelope apiError
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	perr := &PlatformError{Op: op, Service: service, Status: resp.StatusCode, Message: message}
	switch resp.StatusCode {
	case http.StatusNotFound:
		perr.Err = ErrServiceNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		perr.Err = spec.ErrInvalidConfiguration
	case http.StatusUnauthorized, http.StatusForbidden:
		perr.Err = ErrUnauthorized
	}
	return perr
}
